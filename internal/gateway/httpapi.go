package gateway

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aethercore/aethercore/internal/common"
)

func writeError(w http.ResponseWriter, err error) { common.WriteError(w, err) }

// Router builds the gateway's external REST+JSON surface.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/commands", g.handlePostCommand).Methods(http.MethodPost)
	r.HandleFunc("/admin/authorize-sync", g.handleAuthorizeSync).Methods(http.MethodPost)
	r.HandleFunc("/audit", g.handleGetAudit).Methods(http.MethodGet)
	return r
}

type postCommandRequest struct {
	OperatorID   string `json:"operator_id"`
	TargetNodeID string `json:"target_node_id"`
	CommandType  string `json:"command_type"`
	IssuedAtMs   int64  `json:"issued_at_ms"`
	Nonce        string `json:"nonce"`
	PayloadHex   string `json:"payload_hex"`
	SignatureHex string `json:"signature_hex"`
}

func (g *Gateway) handlePostCommand(w http.ResponseWriter, r *http.Request) {
	var req postCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed request body"))
		return
	}

	operatorID, err := common.DigestFromHex(req.OperatorID)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed operator_id"))
		return
	}
	targetID, err := common.DigestFromHex(req.TargetNodeID)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed target_node_id"))
		return
	}
	payload, err := hex.DecodeString(req.PayloadHex)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed payload_hex"))
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		writeError(w, common.NewError(common.KindInvalidSignature, "malformed signature_hex"))
		return
	}

	cmd := Command{
		OperatorID:   common.NodeId(operatorID),
		TargetNodeID: common.NodeId(targetID),
		CommandType:  req.CommandType,
		IssuedAt:     time.UnixMilli(req.IssuedAtMs).UTC(),
		Nonce:        req.Nonce,
		Payload:      payload,
		Signature:    sig,
	}

	outcome, err := g.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

type authorizeSyncRequest struct {
	TargetNodeID         string `json:"target_node_id"`
	ResumeCheckpointHash string `json:"resume_checkpoint_hash"`
	AdminID              string `json:"admin_id"`
	AdminSignatureHex    string `json:"admin_signature_hex"`
	AdminPublicKeyHex    string `json:"admin_public_key_hex"`
}

func (g *Gateway) handleAuthorizeSync(w http.ResponseWriter, r *http.Request) {
	var req authorizeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed request body"))
		return
	}

	target, err := common.DigestFromHex(req.TargetNodeID)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed target_node_id"))
		return
	}
	checkpoint, err := common.DigestFromHex(req.ResumeCheckpointHash)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed resume_checkpoint_hash"))
		return
	}
	admin, err := common.DigestFromHex(req.AdminID)
	if err != nil {
		writeError(w, common.NewError(common.KindUnauthorized, "malformed admin_id"))
		return
	}
	sig, err := hex.DecodeString(req.AdminSignatureHex)
	if err != nil {
		writeError(w, common.NewError(common.KindInvalidSignature, "malformed admin_signature_hex"))
		return
	}
	pub, err := hex.DecodeString(req.AdminPublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeError(w, common.NewError(common.KindInvalidSignature, "malformed admin_public_key_hex"))
		return
	}

	if err := g.AuthorizeSync(r.Context(), common.NodeId(target), checkpoint, common.NodeId(admin), sig, ed25519.PublicKey(pub)); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := g.AuditHistory()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
