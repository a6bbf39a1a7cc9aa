package auth

import (
	"bytes"
	"encoding/json"
	"errors"
)

// UserRef is a user id as it appears in tokens and client frames. Ids are
// strings on the server, but clients and token issuers may encode them as
// bare JSON numbers.
type UserRef string

func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserRef(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("user id must be a string or a number")
	}
	*u = UserRef(n.String())
	return nil
}
