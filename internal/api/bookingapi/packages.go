package bookingapi

import (
	"net/http"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type packageItemRequest struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type packageRegisterRequest struct {
	TrackingNumber string               `json:"tracking_number"`
	SenderID       int64                `json:"sender_id"`
	RecipientID    int64                `json:"recipient_id"`
	Description    string               `json:"description"`
	PaymentType    string               `json:"payment_type"`
	Items          []packageItemRequest `json:"items"`
}

type packageAssignRequest struct {
	TripID int64 `json:"trip_id"`
}

type packageStatusRequest struct {
	Status string `json:"status"`
}

type packageDeliverRequest struct {
	PaymentMethod *string `json:"payment_method"`
}

// packageView adds the computed total to the stored package.
type packageView struct {
	*models.Package
	Total decimal.Decimal `json:"total"`
}

func viewPackage(p *models.Package) packageView {
	return packageView{Package: p, Total: p.Total()}
}

func (a *API) registerPackage(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req packageRegisterRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]models.PackageItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, models.PackageItemInput{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	out, err := a.packages.Register(r.Context(), models.PackageRegisterInput{
		TrackingNumber: req.TrackingNumber,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Description:    req.Description,
		PaymentType:    models.PaymentType(req.PaymentType),
		OperatorID:     actor,
		Items:          items,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPackage(out))
}

func (a *API) getPackage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.packages.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}

func (a *API) getPackageByTrackingNumber(w http.ResponseWriter, r *http.Request) {
	out, err := a.packages.GetByTrackingNumber(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}

func (a *API) assignPackage(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req packageAssignRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.packages.AssignToTrip(r.Context(), actor, id, req.TripID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}

func (a *API) unassignPackage(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.packages.Unassign(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}

func (a *API) updatePackageStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := optionalActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req packageStatusRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.packages.UpdateStatus(r.Context(), actor, id, req.Status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}

func (a *API) deliverPackage(w http.ResponseWriter, r *http.Request) {
	actor, err := optionalActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req packageDeliverRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	var method *models.PaymentMethod
	if req.PaymentMethod != nil {
		m := models.PaymentMethod(*req.PaymentMethod)
		method = &m
	}
	out, err := a.packages.Deliver(r.Context(), actor, id, method)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPackage(out))
}
