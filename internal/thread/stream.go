package thread

import (
	"context"

	"github.com/keeperhq/keeper/internal/aistream"
)

// AppendStreamed collects a streamed assistant response and appends it as a
// single chained message once the stream completes. A cancelled or failed
// stream appends nothing.
func (s *Service) AppendStreamed(ctx context.Context, threadID, role string, st *aistream.Stream) (Message, error) {
	content, err := aistream.Collect(ctx, st)
	if err != nil {
		return Message{}, err
	}
	return s.AppendMessage(ctx, threadID, role, content)
}
