package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/freelanci/escrow-engine/auth"
	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/models"
	"github.com/freelanci/escrow-engine/internal/services"
)

// MissionHandler expose la coordination de clôture et les mutations
// administratives de la mission.
type MissionHandler struct {
	Tranches *services.TrancheService
	Escrow   *services.EscrowService
}

func NewMissionHandler(tranches *services.TrancheService, escrow *services.EscrowService) *MissionHandler {
	return &MissionHandler{Tranches: tranches, Escrow: escrow}
}

// ConfirmClose: POST /missions/confirm-close?mission_id=N
// La partie confirmante est déduite du rôle de la session.
func (h *MissionHandler) ConfirmClose(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	role, _ := auth.RoleFromContext(r.Context())
	missionID, ok := queryID(r, "mission_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_mission_id", nil)
		return
	}
	var mission *models.Mission
	var err error
	if role == models.RoleFreelance {
		mission, err = h.Escrow.ConfirmCloseByFreelancer(r.Context(), missionID, uid)
	} else {
		mission, err = h.Escrow.ConfirmCloseByClient(r.Context(), missionID, uid)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mission)
}

type closurePolicyReq struct {
	Policy string `json:"policy"`
}

// ClosurePolicy: POST /missions/closure-policy?mission_id=N
func (h *MissionHandler) ClosurePolicy(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	missionID, ok := queryID(r, "mission_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_mission_id", nil)
		return
	}
	var req closurePolicyReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	mission, err := h.Tranches.UpdateClosurePolicy(r.Context(), missionID, uid, req.Policy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mission)
}

type contractTotalReq struct {
	Montant decimal.Decimal `json:"montant"`
}

// ContractTotal: POST /missions/contract-total?mission_id=N
func (h *MissionHandler) ContractTotal(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	missionID, ok := queryID(r, "mission_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_mission_id", nil)
		return
	}
	var req contractTotalReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	mission, err := h.Tranches.UpdateContractTotalAmount(r.Context(), missionID, uid, req.Montant)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mission)
}

// ValiderLivrable: POST /livrables/valider?livrable_id=N
// Réclame la prochaine tranche éligible sous verrou; 403/409/422 selon
// la taxonomie (Forbidden/Conflict/NoPaymentPlan).
func (h *MissionHandler) ValiderLivrable(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	livrableID, ok := queryID(r, "livrable_id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "missing_livrable_id", nil)
		return
	}
	tranche, err := h.Escrow.ValiderLivrable(r.Context(), livrableID, uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tranche)
}
