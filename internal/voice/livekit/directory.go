package livekit

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cheersbot/internal/broadcast"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
)

type roomLister interface {
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
}

// Directory implements broadcast.Directory over the LiveKit room service.
type Directory struct {
	cfg   Config
	rooms roomLister
}

func NewDirectory(cfg Config) *Directory {
	cfg = cfg.withDefaults()
	return &Directory{cfg: cfg, rooms: lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)}
}

// Candidates lists the tenant's rooms with their participant counts, sorted
// by destination.
func (d *Directory) Candidates(ctx context.Context, tenant broadcast.TenantID) ([]broadcast.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	res, err := d.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	prefix := d.cfg.roomPrefix(string(tenant))
	var out []broadcast.Candidate
	for _, r := range res.GetRooms() {
		name := r.GetName()
		if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		out = append(out, broadcast.Candidate{
			Destination: broadcast.DestinationID(strings.TrimPrefix(name, prefix)),
			Occupants:   int(r.GetNumParticipants()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out, nil
}
