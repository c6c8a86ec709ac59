package api

import (
	"context"

	"github.com/matheus3301/vksync/internal/roster"
	"github.com/matheus3301/vksync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Roster is the roster engine as seen by the host.
type Roster interface {
	Sync(ctx context.Context) (roster.Diff, error)
	Reconcile(ctx context.Context) (roster.Diff, error)
	AddEntry(ctx context.Context, kind string, id int64) (roster.Diff, error)
	RemoveEntry(ctx context.Context, kind string, id int64) (roster.Diff, error)
	ClearEntry(ctx context.Context, kind string, id int64) (roster.Diff, error)
	RenameEntry(ctx context.Context, kind string, id int64, alias string) (store.RosterNode, error)
	MoveEntry(ctx context.Context, kind string, id int64, group string) (store.RosterNode, error)
}

// RosterService implements vksync.v1.RosterService.
type RosterService struct {
	db     *store.DB
	roster Roster
}

// NewRosterService creates a new roster service.
func NewRosterService(db *store.DB, r Roster) *RosterService {
	return &RosterService{db: db, roster: r}
}

// Desc implements Service.
func (s *RosterService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: RosterServiceName,
		HandlerType: (*Service)(nil),
		Methods: []grpc.MethodDesc{
			unary(RosterServiceName, "ListRoster", s.ListRoster),
			unary(RosterServiceName, "AddEntry", s.AddEntry),
			unary(RosterServiceName, "RemoveEntry", s.RemoveEntry),
			unary(RosterServiceName, "ClearEntry", s.ClearEntry),
			unary(RosterServiceName, "RenameEntry", s.RenameEntry),
			unary(RosterServiceName, "MoveEntry", s.MoveEntry),
			unary(RosterServiceName, "Reconcile", s.Reconcile),
		},
	}
}

// ListRoster returns the shown entries. Contacts carry their presence.
func (s *RosterService) ListRoster(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	nodes, err := s.db.ListRosterNodes()
	if err != nil {
		return nil, rpcError("list roster", err)
	}
	contacts, err := s.db.ListContacts()
	if err != nil {
		return nil, rpcError("list contacts", err)
	}
	byID := make(map[int64]store.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.UserID] = c
	}

	entries := make([]any, 0, len(nodes))
	for _, n := range nodes {
		e := nodeToMap(n)
		if c, ok := byID[n.EntityID]; ok && n.Kind == store.KindContact {
			e["presence"] = c.Presence
			e["last_seen"] = c.LastSeen
			e["friend"] = c.IsFriend
		}
		entries = append(entries, e)
	}
	return result(map[string]any{"entries": entries})
}

func (s *RosterService) AddEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := entryRef(req)
	if err != nil {
		return nil, err
	}
	d, err := s.roster.AddEntry(ctx, kind, id)
	if err != nil {
		return nil, rpcError("add entry", err)
	}
	return diffResult(d)
}

func (s *RosterService) RemoveEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := entryRef(req)
	if err != nil {
		return nil, err
	}
	d, err := s.roster.RemoveEntry(ctx, kind, id)
	if err != nil {
		return nil, rpcError("remove entry", err)
	}
	return diffResult(d)
}

// ClearEntry returns an entry to the automatic membership rules.
func (s *RosterService) ClearEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := entryRef(req)
	if err != nil {
		return nil, err
	}
	d, err := s.roster.ClearEntry(ctx, kind, id)
	if err != nil {
		return nil, rpcError("clear entry", err)
	}
	return diffResult(d)
}

func (s *RosterService) RenameEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := entryRef(req)
	if err != nil {
		return nil, err
	}
	n, err := s.roster.RenameEntry(ctx, kind, id, str(req, "alias"))
	if err != nil {
		return nil, rpcError("rename entry", err)
	}
	return result(map[string]any{"entry": nodeToMap(n)})
}

func (s *RosterService) MoveEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := entryRef(req)
	if err != nil {
		return nil, err
	}
	n, err := s.roster.MoveEntry(ctx, kind, id, str(req, "group"))
	if err != nil {
		return nil, rpcError("move entry", err)
	}
	return result(map[string]any{"entry": nodeToMap(n)})
}

// Reconcile runs a membership pass. With refresh set the remote truth is
// fetched first.
func (s *RosterService) Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		d   roster.Diff
		err error
	)
	if boolean(req, "refresh") {
		d, err = s.roster.Sync(ctx)
	} else {
		d, err = s.roster.Reconcile(ctx)
	}
	if err != nil {
		return nil, rpcError("reconcile", err)
	}
	return diffResult(d)
}

func entryRef(req *structpb.Struct) (string, int64, error) {
	kind := str(req, "kind")
	if kind == "" {
		kind = store.KindContact
	}
	id := num(req, "id")
	if id <= 0 {
		return "", 0, grpcstatus.Errorf(codes.InvalidArgument, "id must be positive")
	}
	return kind, id, nil
}

func nodeToMap(n store.RosterNode) map[string]any {
	return map[string]any{
		"kind":            n.Kind,
		"id":              n.EntityID,
		"alias":           n.Alias,
		"group":           n.Group,
		"avatar_checksum": n.AvatarChecksum,
	}
}

func nodeList(nodes []store.RosterNode) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = nodeToMap(n)
	}
	return out
}

func diffResult(d roster.Diff) (*structpb.Struct, error) {
	return result(map[string]any{
		"added":   nodeList(d.Added),
		"updated": nodeList(d.Updated),
		"removed": nodeList(d.Removed),
	})
}
