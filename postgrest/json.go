package postgrest

import (
	"encoding/json"

	"github.com/jsupabase/jsupabase-sub001/errs"
)

func decodeJSON(body []byte, dest interface{}) error {
	if err := json.Unmarshal(body, dest); err != nil {
		return &errs.DecodeError{Cause: err}
	}
	return nil
}
