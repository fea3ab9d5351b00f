package recoveryhandler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/ccf-recovery-service/api"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/httpserver"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/recovery"
)

// Handler serves the recovery service API. Read-only routes are public; every
// POST carries an attested, signed request verified before any key is touched.
type Handler struct {
	service  *recovery.Service
	verifier *recovery.RequestVerifier
	policies interfaces.PolicyStore
	log      *slog.Logger
}

func NewHandler(service *recovery.Service, verifier *recovery.RequestVerifier, policies interfaces.PolicyStore, log *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		verifier: verifier,
		policies: policies,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/report", h.HandleReport)
	r.Get("/network/joinpolicy", h.HandleGetJoinPolicy)
	r.Get("/network/securitypolicy", h.HandleGetSecurityPolicy)
	r.Post("/network/joinpolicy/set", h.HandleSetJoinPolicy)

	r.Get("/members", h.HandleGetMembers)
	r.Get("/members/{memberName}", h.HandleGetMember)
	r.Get("/members/{memberName}/report", h.HandleGetMemberReport)
	r.Post("/members/generate", h.HandleGenerateMember)
	r.Post("/members/generateStateDigestMessage", h.HandleGenerateStateDigestMessage)
	r.Post("/members/generateStateDigestAckMessage", h.HandleGenerateStateDigestAckMessage)
	r.Post("/members/generateRecoveryShareMessage", h.HandleGenerateRecoveryShareMessage)
}

func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetServiceReport(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleGetJoinPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.GetNetworkJoinPolicy(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, policy)
}

func (h *Handler) HandleGetSecurityPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.GetSecurityPolicy(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, policy)
}

// HandleSetJoinPolicy publishes a new join policy sent by an attested agent.
//
// URL format: POST /network/joinpolicy/set
// Signed data: {"joinPolicy": {"snp": {"hostData": [...]}}}
func (h *Handler) HandleSetJoinPolicy(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := h.verifyRequest(w, r)
	if !ok {
		return
	}
	var data recovery.JoinPolicyRequest
	if err := recovery.SignedData(caller, req, &data); err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	if err := h.service.SetNetworkJoinPolicy(r.Context(), caller, data.JoinPolicy); err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleGetMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.GetMembers(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, members)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), r.PathValue("memberName"))
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleGetMemberReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetMemberReport(r.Context(), r.PathValue("memberName"))
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, report)
}

// HandleGenerateMember creates, or returns the existing, keys of a member.
//
// URL format: POST /members/generate
// Signed data: {"memberName": "..."}
func (h *Handler) HandleGenerateMember(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := h.verifyRequest(w, r)
	if !ok {
		return
	}
	var data recovery.MemberRequest
	if err := recovery.SignedData(caller, req, &data); err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	member, err := h.service.GenerateMember(r.Context(), data.MemberName)
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleGenerateStateDigestMessage(w http.ResponseWriter, r *http.Request) {
	h.handleMessage(w, r, func(ctx context.Context, caller *recovery.AttestedCaller, req *recovery.SignedDataRequest) ([]byte, error) {
		var data recovery.MemberRequest
		if err := recovery.SignedData(caller, req, &data); err != nil {
			return nil, err
		}
		return h.service.GenerateStateDigestMessage(ctx, data.MemberName)
	})
}

func (h *Handler) HandleGenerateStateDigestAckMessage(w http.ResponseWriter, r *http.Request) {
	h.handleMessage(w, r, func(ctx context.Context, caller *recovery.AttestedCaller, req *recovery.SignedDataRequest) ([]byte, error) {
		var data recovery.StateDigestAckRequest
		if err := recovery.SignedData(caller, req, &data); err != nil {
			return nil, err
		}
		return h.service.GenerateStateDigestAckMessage(ctx, data.MemberName, data.StateDigest)
	})
}

func (h *Handler) HandleGenerateRecoveryShareMessage(w http.ResponseWriter, r *http.Request) {
	h.handleMessage(w, r, func(ctx context.Context, caller *recovery.AttestedCaller, req *recovery.SignedDataRequest) ([]byte, error) {
		var data recovery.RecoveryShareRequest
		if err := recovery.SignedData(caller, req, &data); err != nil {
			return nil, err
		}
		return h.service.GenerateRecoveryShareMessage(ctx, data.MemberName, data.EncryptedShare)
	})
}

// handleMessage runs a message generator for an attested caller and returns
// the signed message wrapped to the caller's public key.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, generate func(context.Context, *recovery.AttestedCaller, *recovery.SignedDataRequest) ([]byte, error)) {
	caller, req, ok := h.verifyRequest(w, r)
	if !ok {
		return
	}
	message, err := generate(r.Context(), caller, req)
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return
	}
	wrapped, err := cryptoutils.WrapRsaOaepAesKwp(message, caller.PublicKey)
	if err != nil {
		httpserver.WriteError(w, h.log, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err,
			"cannot wrap response to the caller's public key"))
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.MessageResponse{Message: base64.StdEncoding.EncodeToString(wrapped)})
}

func (h *Handler) verifyRequest(w http.ResponseWriter, r *http.Request) (*recovery.AttestedCaller, *recovery.SignedDataRequest, bool) {
	var req recovery.SignedDataRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, h.log, err)
		return nil, nil, false
	}
	caller, err := h.verifier.VerifyAttestedRequest(r.Context(), &req)
	if err != nil {
		httpserver.WriteError(w, h.log, err)
		return nil, nil, false
	}
	return caller, &req, true
}
