package handlers

import (
	"net/http"

	"github.com/vango-go/vai-interview/pkg/gateway/modes"
)

type ModesHandler struct {
	Modes *modes.Catalog
}

type modesResponse struct {
	Modes []modes.Mode `json:"modes"`
}

func (h ModesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list := []modes.Mode{}
	if h.Modes != nil {
		list = h.Modes.List()
	}
	writeJSON(w, http.StatusOK, modesResponse{Modes: list})
}
