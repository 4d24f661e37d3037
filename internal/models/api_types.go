package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// APIString is a custom string type that handles the remote API's loose
// typing. Nullable text columns arrive as JSON null; this type maps null
// to the empty string so undefined values never reach storage.
type APIString string

// UnmarshalJSON accepts a string or null.
func (as *APIString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*as = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*as = APIString(s)
		return nil
	}

	return errors.New("APIString: cannot unmarshal value into string")
}

// Value implements driver.Valuer interface for database storage
func (as APIString) Value() (driver.Value, error) {
	return string(as), nil
}

// Scan implements sql.Scanner interface for database retrieval
func (as *APIString) Scan(value interface{}) error {
	if value == nil {
		*as = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*as = APIString(v)
	case []byte:
		*as = APIString(string(v))
	default:
		return fmt.Errorf("failed to scan APIString: %v", value)
	}
	return nil
}

// String returns native string value
func (as APIString) String() string {
	return string(as)
}

// APIFloat handles numeric fields that the remote API may deliver as a
// JSON number, a numeric string ("12.50", common for money columns), or
// null. Null coerces to zero.
type APIFloat float64

// UnmarshalJSON accepts a number, a numeric string, or null.
func (af *APIFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*af = 0
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*af = APIFloat(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			*af = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("APIFloat: cannot parse %q: %w", s, err)
		}
		*af = APIFloat(f)
		return nil
	}

	return errors.New("APIFloat: cannot unmarshal value into float64")
}

// Float64 returns the native float64 value
func (af APIFloat) Float64() float64 {
	return float64(af)
}
