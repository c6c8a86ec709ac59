package api

import (
	"context"

	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sender queues outgoing messages.
type Sender interface {
	Queue(peer vk.PeerID, body string, attachments []string) (string, error)
	SolveCaptcha(clientMsgID, key string) error
	SendTyping(ctx context.Context, peer vk.PeerID) error
}

// Focus receives the host's view state.
type Focus interface {
	Open(peer vk.PeerID)
	Close(peer vk.PeerID)
	Activate(peer vk.PeerID)
	SetAway(away bool)
}

const defaultPageSize = 50

// MessageService implements vksync.v1.MessageService.
type MessageService struct {
	db     *store.DB
	sender Sender
	focus  Focus
}

// NewMessageService creates a new message service backed by the store.
func NewMessageService(db *store.DB, sender Sender, focus Focus) *MessageService {
	return &MessageService{db: db, sender: sender, focus: focus}
}

// Desc implements Service.
func (s *MessageService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: MessageServiceName,
		HandlerType: (*Service)(nil),
		Methods: []grpc.MethodDesc{
			unary(MessageServiceName, "ListMessages", s.ListMessages),
			unary(MessageServiceName, "SearchMessages", s.SearchMessages),
			unary(MessageServiceName, "SendMessage", s.SendMessage),
			unary(MessageServiceName, "ListOutbox", s.ListOutbox),
			unary(MessageServiceName, "SolveCaptcha", s.SolveCaptcha),
			unary(MessageServiceName, "SendTyping", s.SendTyping),
			unary(MessageServiceName, "Focus", s.Focus),
			unary(MessageServiceName, "SetAway", s.SetAway),
		},
	}
}

func limitOf(req *structpb.Struct) int {
	if n := num(req, "limit"); n > 0 {
		return int(n)
	}
	return defaultPageSize
}

// ListMessages pages a conversation newest first. before_id continues from
// the last page.
func (s *MessageService) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := peer(req, "peer")
	if err != nil {
		return nil, err
	}
	limit := limitOf(req)
	msgs, err := s.db.ListMessages(int64(p), num(req, "before_id"), limit)
	if err != nil {
		return nil, rpcError("list messages", err)
	}

	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToMap(&msgs[i]))
	}
	return result(map[string]any{
		"messages": out,
		"has_more": len(msgs) == limit,
	})
}

func (s *MessageService) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := str(req, "query")
	if query == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "query is required")
	}
	var peerID int64
	if _, ok := req.GetFields()["peer"]; ok {
		p, err := peer(req, "peer")
		if err != nil {
			return nil, err
		}
		peerID = int64(p)
	}
	limit := limitOf(req)
	results, err := s.db.SearchMessages(query, peerID, limit)
	if err != nil {
		return nil, rpcError("search messages", err)
	}

	out := make([]any, 0, len(results))
	for i := range results {
		out = append(out, map[string]any{
			"message": messageToMap(&results[i].Message),
			"snippet": results[i].Snippet,
		})
	}
	return result(map[string]any{
		"results":  out,
		"has_more": len(results) == limit,
	})
}

// SendMessage queues a message. Delivery is reported on the event stream.
func (s *MessageService) SendMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := peer(req, "peer")
	if err != nil {
		return nil, err
	}
	id, err := s.sender.Queue(p, str(req, "text"), strs(req, "attachments"))
	if err != nil {
		return nil, rpcError("queue message", err)
	}
	return result(map[string]any{"accepted": true, "client_msg_id": id})
}

// ListOutbox returns the pending sends, including those parked on a captcha.
func (s *MessageService) ListOutbox(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries, err := s.db.ListOutbox()
	if err != nil {
		return nil, rpcError("list outbox", err)
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{
			"client_msg_id": e.ClientMsgID,
			"peer":          e.PeerID,
			"body":          e.Body,
			"status":        e.Status,
			"msg_ids":       ids(e.ServerMsgIDs),
			"created_at":    e.CreatedAt,
		}
		if e.ErrorMessage != "" {
			m["error"] = e.ErrorMessage
		}
		if e.Status == store.OutboxCaptcha {
			m["captcha_sid"] = e.CaptchaSID
			m["captcha_img"] = e.CaptchaImg
		}
		out = append(out, m)
	}
	return result(map[string]any{"entries": out})
}

func (s *MessageService) SolveCaptcha(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, key := str(req, "client_msg_id"), str(req, "key")
	if id == "" || key == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "client_msg_id and key are required")
	}
	if err := s.sender.SolveCaptcha(id, key); err != nil {
		return nil, rpcError("solve captcha", err)
	}
	return result(map[string]any{"accepted": true})
}

func (s *MessageService) SendTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := peer(req, "peer")
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendTyping(ctx, p); err != nil {
		return nil, rpcError("send typing", err)
	}
	return result(map[string]any{"accepted": true})
}

// Focus records a conversation window being opened, closed or activated.
func (s *MessageService) Focus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := peer(req, "peer")
	if err != nil {
		return nil, err
	}
	switch action := str(req, "action"); action {
	case "open":
		s.focus.Open(p)
	case "close":
		s.focus.Close(p)
	case "", "activate":
		s.focus.Activate(p)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown focus action %q", action)
	}
	return result(map[string]any{"accepted": true})
}

func (s *MessageService) SetAway(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.focus.SetAway(boolean(req, "away"))
	return result(map[string]any{"accepted": true})
}

func messageToMap(m *store.Message) map[string]any {
	atts := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		att := map[string]any{"type": a.Type, "url": a.URL}
		if a.ThumbPath != "" {
			att["thumb_path"] = a.ThumbPath
		}
		if a.Title != "" {
			att["title"] = a.Title
		}
		atts = append(atts, att)
	}
	return map[string]any{
		"id":          m.ID,
		"peer":        m.PeerID,
		"sender_id":   m.SenderID,
		"body":        m.Body,
		"direction":   m.Direction,
		"read":        m.Read,
		"timestamp":   m.Timestamp,
		"attachments": atts,
	}
}
