package channel

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

// History returns the commands still waiting for the camera, oldest first.
type History interface {
	Fetch(ctx context.Context) ([]model.Command, error)
}

type historyRecord struct {
	ID        string                 `json:"id"`
	CameraID  string                 `json:"camera_id"`
	Type      string                 `json:"command_type"`
	Payload   map[string]interface{} `json:"command_payload"`
	Status    string                 `json:"status"`
	SentAt    *time.Time             `json:"sent_at"`
	CreatedAt time.Time              `json:"created_at"`
}

type historyResponse struct {
	Commands []historyRecord `json:"commands"`
}

// HTTPHistory reads the command history endpoint of one registered camera.
type HTTPHistory struct {
	requester transport.Requester
	url       string
}

func NewHTTPHistory(requester transport.Requester, apiBase, durableID string) *HTTPHistory {
	return &HTTPHistory{requester: requester, url: internal.CommandHistoryURL(apiBase, durableID)}
}

// Fetch returns the pending and sent commands. Completed, failed and timed out
// commands were already handled and are skipped.
func (h *HTTPHistory) Fetch(ctx context.Context) ([]model.Command, error) {
	var resp historyResponse
	if _, err := transport.DoJSON(ctx, h.requester, http.MethodGet, h.url, nil, &resp); err != nil {
		return nil, err
	}
	var cmds []model.Command
	for _, rec := range resp.Commands {
		if rec.Status != "pending" && rec.Status != "sent" {
			continue
		}
		if rec.ID == "" || rec.Type == "" {
			continue
		}
		cmds = append(cmds, model.Command{
			ID:       rec.ID,
			Kind:     model.ParseCommandKind(rec.Type),
			IssuedAt: rec.CreatedAt,
			Payload:  rec.Payload,
			Source:   model.SourcePoll,
		})
	}
	// the endpoint lists newest first
	for i, j := 0, len(cmds)-1; i < j; i, j = i+1, j-1 {
		cmds[i], cmds[j] = cmds[j], cmds[i]
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].IssuedAt.Before(cmds[j].IssuedAt) })
	return cmds, nil
}
