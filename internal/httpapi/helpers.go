package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func newPlanID() string {
	return uuid.NewString()
}

// backgroundContext detaches plan execution from the originating request's
// context, which is cancelled the moment the HTTP handler returns — the DAG
// Engine's scheduling loop must keep running long after the approve/rewind
// response has been sent.
func backgroundContext() context.Context {
	return context.Background()
}
