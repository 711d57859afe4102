package handlers

import (
	"net/http"
	"strconv"

	"github.com/freelanci/escrow-engine/auth"
	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/services"
)

// TrancheHandler expose le registre des tranches et l'initiation de
// paiement. Toute mutation passe par les services, jamais par un accès
// direct au modèle.
type TrancheHandler struct {
	Tranches *services.TrancheService
	Escrow   *services.EscrowService
}

func NewTrancheHandler(tranches *services.TrancheService, escrow *services.EscrowService) *TrancheHandler {
	return &TrancheHandler{Tranches: tranches, Escrow: escrow}
}

func queryID(r *http.Request, key string) (uint, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// Create: POST /missions/tranches?mission_id=N
func (h *TrancheHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	missionID, ok := queryID(r, "mission_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_mission_id", nil)
		return
	}
	var in services.CreateTrancheInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	tranche, err := h.Tranches.CreateTranche(r.Context(), missionID, uid, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tranche)
}

// List: GET /missions/tranches?mission_id=N
func (h *TrancheHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	missionID, ok := queryID(r, "mission_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_mission_id", nil)
		return
	}
	tranches, err := h.Tranches.ListTranches(r.Context(), missionID, uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": tranches, "total": len(tranches)})
}

// InitPaiement: POST /tranches/init-paiement?tranche_id=N (mode escrow)
func (h *TrancheHandler) InitPaiement(w http.ResponseWriter, r *http.Request) {
	h.initPaiement(w, r, false)
}

// InitPaiementDirect: POST /tranches/init-paiement-direct?tranche_id=N (mode direct)
func (h *TrancheHandler) InitPaiementDirect(w http.ResponseWriter, r *http.Request) {
	h.initPaiement(w, r, true)
}

func (h *TrancheHandler) initPaiement(w http.ResponseWriter, r *http.Request, direct bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	trancheID, ok := queryID(r, "tranche_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_tranche_id", nil)
		return
	}
	var err error
	var tranche any
	if direct {
		tranche, err = h.Escrow.InitPaiementDirect(r.Context(), trancheID, uid)
	} else {
		tranche, err = h.Escrow.InitPaiement(r.Context(), trancheID, uid)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tranche)
}

// Cancel: POST /tranches/cancel?tranche_id=N
func (h *TrancheHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	trancheID, ok := queryID(r, "tranche_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_tranche_id", nil)
		return
	}
	tranche, err := h.Tranches.CancelTranche(r.Context(), trancheID, uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tranche)
}

type trancheFlagReq struct {
	Value bool `json:"value"`
}

// Finale: POST /tranches/finale?tranche_id=N
func (h *TrancheHandler) Finale(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, true)
}

// Required: POST /tranches/required?tranche_id=N
func (h *TrancheHandler) Required(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, false)
}

func (h *TrancheHandler) flag(w http.ResponseWriter, r *http.Request, finale bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	trancheID, ok := queryID(r, "tranche_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_tranche_id", nil)
		return
	}
	var req trancheFlagReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	var err error
	var tranche any
	if finale {
		tranche, err = h.Tranches.MarkTrancheFinale(r.Context(), trancheID, uid, req.Value)
	} else {
		tranche, err = h.Tranches.MarkTrancheRequired(r.Context(), trancheID, uid, req.Value)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tranche)
}
