package sharing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const shareSuffixLength = 12

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newShareID joins workspace, type and time with the random tail of a fresh id.
// UUIDv7 leads with the timestamp, so only the tail is random.
func newShareID(provider IDProvider, workspaceID, contextType string, now time.Time) (string, error) {
	raw, err := provider.NewID()
	if err != nil {
		return "", err
	}
	compact := strings.ReplaceAll(raw, "-", "")
	if len(compact) > shareSuffixLength {
		compact = compact[len(compact)-shareSuffixLength:]
	}
	return fmt.Sprintf("%s-%s-%d-%s", workspaceID, contextType, now.UnixMilli(), compact), nil
}
