package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aethercore/aethercore/internal/common"
)

// Router builds the identity registry's admin-facing REST surface:
// enrollment, revocation, and a read-only lookup.
func (r *Registry) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/admin/enroll", r.handleEnroll).Methods(http.MethodPost)
	router.HandleFunc("/admin/revoke", r.handleRevoke).Methods(http.MethodPost)
	router.HandleFunc("/identity/{node_id}", r.handleLookup).Methods(http.MethodGet)
	return router
}

type enrollRequest struct {
	NodeID              string            `json:"node_id"`
	PublicKeyHex        string            `json:"public_key_hex"`
	AttestationQuoteHex string            `json:"attestation_quote_hex"`
	PCRValuesHex        map[string]string `json:"pcr_values_hex"`
	AKCertificateHex    string            `json:"ak_certificate_hex"`
}

func (r *Registry) handleEnroll(w http.ResponseWriter, req *http.Request) {
	var body enrollRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed request body"))
		return
	}

	nodeID, err := common.DigestFromHex(body.NodeID)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed node_id"))
		return
	}
	pub, err := hex.DecodeString(body.PublicKeyHex)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed public_key_hex"))
		return
	}
	quote, err := hex.DecodeString(body.AttestationQuoteHex)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed attestation_quote_hex"))
		return
	}
	akCert, err := hex.DecodeString(body.AKCertificateHex)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed ak_certificate_hex"))
		return
	}
	pcrs := make(map[int][]byte, len(body.PCRValuesHex))
	for idxStr, valHex := range body.PCRValuesHex {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed pcr index"))
			return
		}
		val, err := hex.DecodeString(valHex)
		if err != nil {
			common.WriteError(w, common.NewError(common.KindAttestationFailed, "malformed pcr value"))
			return
		}
		pcrs[idx] = val
	}

	enrolled, err := r.RegisterNode(req.Context(), common.NodeId(nodeID), pub, quote, pcrs, akCert)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"node_id": enrolled.Hex()})
}

type revokeRequest struct {
	SubjectID          string `json:"subject_id"`
	Reason             string `json:"reason"`
	AuthorityID        string `json:"authority_id"`
	AuthoritySignature string `json:"authority_signature_hex"`
}

func (r *Registry) handleRevoke(w http.ResponseWriter, req *http.Request) {
	var body revokeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		common.WriteError(w, common.NewError(common.KindUnauthorized, "malformed request body"))
		return
	}

	subjectID, err := common.DigestFromHex(body.SubjectID)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindUnauthorized, "malformed subject_id"))
		return
	}
	authorityID, err := common.DigestFromHex(body.AuthorityID)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindUnauthorized, "malformed authority_id"))
		return
	}
	sig, err := hex.DecodeString(body.AuthoritySignature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		common.WriteError(w, common.NewError(common.KindInvalidSignature, "malformed authority_signature_hex"))
		return
	}

	if err := r.RevokeNode(req.Context(), common.NodeId(subjectID), body.Reason, common.NodeId(authorityID), sig); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Registry) handleLookup(w http.ResponseWriter, req *http.Request) {
	idHex := mux.Vars(req)["node_id"]
	nodeID, err := common.DigestFromHex(idHex)
	if err != nil {
		common.WriteError(w, common.NewError(common.KindNotEnrolled, "malformed node_id"))
		return
	}

	if !r.IsNodeEnrolled(common.NodeId(nodeID)) {
		common.WriteError(w, common.NewError(common.KindNotEnrolled, idHex))
		return
	}

	pub, err := r.GetPublicKey(common.NodeId(nodeID))
	if err != nil {
		common.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"node_id":    idHex,
		"public_key": hex.EncodeToString(pub),
	})
}
