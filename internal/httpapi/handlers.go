package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/collateral_vault/internal/amount"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/httputil"
	"github.com/R3E-Network/collateral_vault/internal/middleware"
	"github.com/R3E-Network/collateral_vault/internal/orchestrator"
)

// =============================================================================
// Health & Info Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]interface{}{
		"service":   "collateral-vault",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status
	httputil.WriteJSON(w, code, body)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sg, err := s.cfg.Custody.Signer(middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": middleware.GetUserID(r.Context()),
		"address": sg.Address(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"assets": s.cfg.Assets.All()})
}

// =============================================================================
// Vault Handlers
// =============================================================================

type initializeRequest struct {
	AssetID string `json:"asset_id"`
}

type decimalRequest struct {
	AssetID string `json:"asset_id"`
	Amount  string `json:"amount"`
}

type baseRequest struct {
	Amount uint64 `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// session opens an orchestrator session for the authenticated caller.
func (s *Server) session(r *http.Request) (*orchestrator.Session, error) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		return nil, apperrors.Unauthorized("authentication required")
	}
	sg, err := s.cfg.Custody.Signer(userID)
	if err != nil {
		return nil, err
	}
	return s.cfg.Orchestrator.Session(sg)
}

// resolveAsset accepts an asset ID or a registered symbol.
func (s *Server) resolveAsset(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperrors.InvalidInput("asset_id is required")
	}
	if a, err := s.cfg.Assets.Get(ref); err == nil {
		return a.ID, nil
	}
	if a, ok := s.cfg.Assets.BySymbol(ref); ok {
		return a.ID, nil
	}
	return "", apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", ref)
}

// operate runs fn on a fresh session and writes its receipt.
func (s *Server) operate(w http.ResponseWriter, r *http.Request, fn func(*orchestrator.Session) (*orchestrator.Receipt, error)) {
	sess, err := s.session(r)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	defer sess.Close()

	receipt, err := fn(sess)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"path":     r.URL.Path,
			"identity": sess.Identity(),
		}).Info("vault operation rejected")
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	assetID, err := s.resolveAsset(req.AssetID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	s.operate(w, r, func(sess *orchestrator.Session) (*orchestrator.Receipt, error) {
		return sess.Initialize(r.Context(), sess.Identity(), assetID)
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.decimalOp(w, r, (*orchestrator.Session).Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.decimalOp(w, r, (*orchestrator.Session).Withdraw)
}

type decimalFn func(*orchestrator.Session, context.Context, string, string, string) (*orchestrator.Receipt, error)

func (s *Server) decimalOp(w http.ResponseWriter, r *http.Request, op decimalFn) {
	var req decimalRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	assetID, err := s.resolveAsset(req.AssetID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	owner := mux.Vars(r)["owner"]
	s.operate(w, r, func(sess *orchestrator.Session) (*orchestrator.Receipt, error) {
		return op(sess, r.Context(), owner, assetID, req.Amount)
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.baseOp(w, r, (*orchestrator.Session).Lock)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.baseOp(w, r, (*orchestrator.Session).Unlock)
}

type baseFn func(*orchestrator.Session, context.Context, string, uint64) (*orchestrator.Receipt, error)

func (s *Server) baseOp(w http.ResponseWriter, r *http.Request, op baseFn) {
	var req baseRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	owner := mux.Vars(r)["owner"]
	s.operate(w, r, func(sess *orchestrator.Session) (*orchestrator.Receipt, error) {
		return op(sess, r.Context(), owner, req.Amount)
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	owner := mux.Vars(r)["owner"]
	s.operate(w, r, func(sess *orchestrator.Session) (*orchestrator.Receipt, error) {
		return sess.Transfer(r.Context(), owner, req.To, req.Amount)
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	view, ok, err := s.cfg.Query.Fetch(r.Context(), owner)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if !ok {
		httputil.WriteServiceError(w, r, apperrors.New(apperrors.ErrVaultNotFound, "no vault for %s", owner))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteServiceError(w, r, apperrors.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	evs, err := s.cfg.Query.History(r.Context(), mux.Vars(r)["owner"], limit)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": evs, "count": len(evs)})
}

// =============================================================================
// Faucet
// =============================================================================

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req decimalRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	assetID, err := s.resolveAsset(req.AssetID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	asset, err := s.cfg.Assets.Get(assetID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	base, err := amount.ToBaseUnits(req.Amount, asset.Decimals)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	sg, err := s.cfg.Custody.Signer(middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	h, err := s.cfg.Faucet.Mint(r.Context(), sg.Address(), assetID, base)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"holding": h.Address,
		"balance": amount.FromBaseUnits(h.Balance, asset.Decimals),
		"raw":     h.Balance,
	})
}
