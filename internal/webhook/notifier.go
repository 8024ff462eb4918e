package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/metrics"
	"github.com/mossy-p/roomserver/internal/models"
)

const (
	EventRoomClosed = "room_closed"
	EventPeerJoined = "peer_joined"
	EventPeerLeft   = "peer_left"

	SignatureHeader = "X-Roomserver-Signature"

	defaultTimeout = 5 * time.Second
)

// Event is the JSON body posted to a room callback URL.
type Event struct {
	ID        string              `json:"id"`
	Event     string              `json:"event"`
	Room      models.RoomMetadata `json:"room"`
	Peer      *models.PeerInfo    `json:"peer,omitempty"`
	PeerID    string              `json:"peerId,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	CreatedAt int64               `json:"createdAt"`
}

type NotifierParams struct {
	// Secret signs every body; deliveries are unsigned when empty.
	Secret  string
	Workers int
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.SugaredLogger
}

// Notifier posts room lifecycle events to the callback URLs configured on each room.
// Deliveries run on a bounded pool so callers never wait on remote endpoints.
type Notifier struct {
	secret string
	client *http.Client
	pool   *workerpool.WorkerPool
	logger *zap.SugaredLogger
}

func NewNotifier(params NotifierParams) *Notifier {
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}
	if params.Client == nil {
		params.Client = &http.Client{Timeout: params.Timeout}
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		secret: params.Secret,
		client: params.Client,
		pool:   workerpool.New(params.Workers),
		logger: params.Logger,
	}
}

func (n *Notifier) RoomClosed(room models.RoomMetadata, reason string) {
	n.notify(room.Config.Callbacks.OnRoomClosed, &Event{Event: EventRoomClosed, Room: room, Reason: reason})
}

func (n *Notifier) PeerJoined(room models.RoomMetadata, peer models.PeerInfo) {
	n.notify(room.Config.Callbacks.OnPeerJoined, &Event{Event: EventPeerJoined, Room: room, Peer: &peer, PeerID: peer.PeerID})
}

func (n *Notifier) PeerLeft(room models.RoomMetadata, peerID string) {
	n.notify(room.Config.Callbacks.OnPeerLeft, &Event{Event: EventPeerLeft, Room: room, PeerID: peerID})
}

// Stop waits for queued deliveries to finish.
func (n *Notifier) Stop() {
	n.pool.StopWait()
}

func (n *Notifier) notify(url string, event *Event) {
	if url == "" {
		return
	}
	event.ID = "EV_" + uuid.New().String()
	event.CreatedAt = time.Now().Unix()

	n.pool.Submit(func() {
		if err := n.send(context.Background(), url, event); err != nil {
			metrics.Webhooks.WithLabelValues(event.Event, "failed").Inc()
			n.logger.Warnw("failed to notify webhook", "event", event.Event, "roomID", event.Room.ID, "url", url, "error", err)
			return
		}
		metrics.Webhooks.WithLabelValues(event.Event, "delivered").Inc()
	})
}

func (n *Notifier) send(ctx context.Context, url string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback answered %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
