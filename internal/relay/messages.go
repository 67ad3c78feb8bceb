package relay

import (
	"encoding/json"

	"github.com/mmynk/ledgersync/internal/models"
)

const (
	// ServiceName is the fully-qualified name of the relay service.
	ServiceName = "ledgersync.relay.v1.RelayService"

	// ServicePath prefixes every relay procedure.
	ServicePath = "/" + ServiceName + "/"

	PushProcedure       = ServicePath + "Push"
	FetchSinceProcedure = ServicePath + "FetchSince"
	SubscribeProcedure  = ServicePath + "Subscribe"
	RegisterProcedure   = ServicePath + "Register"
	LoginProcedure      = ServicePath + "Login"
)

type PushRequest struct {
	GroupID    string `json:"groupId"`
	Timestamp  int64  `json:"timestamp"`
	ActorID    string `json:"actorId"`
	UpdateData string `json:"updateData"`
	Version    string `json:"version,omitempty"`
}

type PushResponse struct {
	Record *models.UpdateRecord `json:"record"`
}

type FetchSinceRequest struct {
	GroupID string `json:"groupId"`
	Since   int64  `json:"since"`
	Limit   int    `json:"limit"`
}

type FetchSinceResponse struct {
	Records []*models.UpdateRecord `json:"records"`
}

type SubscribeRequest struct {
	GroupIDs []string `json:"groupIds"`
}

// SubscribeResponse carries one record. The first message of every stream
// has no record and only signals that the subscription is live.
type SubscribeResponse struct {
	Record *models.UpdateRecord `json:"record,omitempty"`
}

type CredentialsRequest struct {
	ActorID string `json:"actorId"`
	Secret  string `json:"secret"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// jsonCodec lets Connect carry the plain structs above. It replaces the
// default protobuf JSON codec under the same name.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func recordFromPush(m *PushRequest) *models.UpdateRecord {
	return &models.UpdateRecord{
		GroupID:    m.GroupID,
		Timestamp:  m.Timestamp,
		ActorID:    m.ActorID,
		UpdateData: m.UpdateData,
		Version:    m.Version,
	}
}
