// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tombee/crossrun/internal/store"
	runerrors "github.com/tombee/crossrun/pkg/errors"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto HTTP statuses with a {detail}
// body. Unknown errors surface as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	var valErr *runerrors.ValidationError
	var nfErr *runerrors.NotFoundError
	var conflictErr *runerrors.ConflictError
	var runErr *runerrors.RunError

	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: valErr.Error()})
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: nfErr.Error()})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, errorBody{Detail: conflictErr.Error()})
	case errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrArtifactNotFound),
		errors.Is(err, store.ErrPatternNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: err.Error()})
	case errors.As(err, &runErr) && runErr.Code == runerrors.CodePathTraversal:
		writeJSON(w, http.StatusForbidden, errorBody{Detail: runErr.Message})
	case errors.As(err, &runErr) && runErr.Code == runerrors.CodeInvalidInput:
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: runErr.Message})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &runerrors.ValidationError{Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}
