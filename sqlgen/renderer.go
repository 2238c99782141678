package sqlgen

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/birdie-ai/sfupdate/update"
	"github.com/google/uuid"
)

// Renderer escapes identifiers and renders typed literals.
// The generator never escapes anything by itself.
type Renderer interface {
	Identifier(name string) string
	Table(name, schema string) string
	Literal(v any, tm update.TypeMapping) (string, error)
	// Placeholder returns the placeholder of the 1-based positional parameter.
	Placeholder(ordinal int) string
}

// Snowflake renders identifiers and literals in Snowflake's SQL dialect.
type Snowflake struct{}

// Identifier quotes the name, which makes it case sensitive.
func (Snowflake) Identifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Table returns the quoted, optionally schema qualified, table name.
func (s Snowflake) Table(name, schema string) string {
	if schema == "" {
		return s.Identifier(name)
	}
	return s.Identifier(schema) + "." + s.Identifier(name)
}

// Placeholder returns "?", Snowflake binds positionally.
func (Snowflake) Placeholder(int) string {
	return "?"
}

// Literal renders v as a SQL literal. The type mapping drives the scale of floats and the
// cast of temporal values.
func (s Snowflake) Literal(v any, tm update.TypeMapping) (string, error) {
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quote(v), nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case *big.Int:
		if v == nil {
			return "NULL", nil
		}
		return v.String(), nil
	case float32:
		return float(float64(v), 32, tm), nil
	case float64:
		return float(v, 64, tm), nil
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(v)) + "'", nil
	case uuid.UUID:
		return quote(v.String()), nil
	case time.Time:
		return timestamp(v, tm), nil
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return "", fmt.Errorf("rendering %T: %w", v, err)
		}
		if _, ok := dv.(driver.Valuer); ok {
			return "", fmt.Errorf("rendering %T: value is still a driver.Valuer", v)
		}
		return s.Literal(dv, tm)
	default:
		return "", fmt.Errorf("no literal representation for %T", v)
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func float(f float64, bits int, tm update.TypeMapping) string {
	switch {
	case math.IsNaN(f):
		return "'NaN'::FLOAT"
	case math.IsInf(f, 1):
		return "'inf'::FLOAT"
	case math.IsInf(f, -1):
		return "'-inf'::FLOAT"
	}
	if tm.HasScale {
		return strconv.FormatFloat(f, 'f', tm.Scale, bits)
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

func timestamp(t time.Time, tm update.TypeMapping) string {
	storeType := strings.ToUpper(tm.StoreType)
	switch {
	case storeType == "DATE":
		return quote(t.Format(time.DateOnly)) + "::DATE"
	case strings.HasPrefix(storeType, "TIME") && !strings.HasPrefix(storeType, "TIMESTAMP"):
		return quote(t.Format("15:04:05.999999999")) + "::" + storeType
	case strings.HasPrefix(storeType, "TIMESTAMP_NTZ"), strings.HasPrefix(storeType, "DATETIME"):
		return quote(t.Format("2006-01-02 15:04:05.999999999")) + "::" + storeType
	case storeType == "":
		storeType = "TIMESTAMP_TZ"
	}
	return quote(t.Format("2006-01-02 15:04:05.999999999 -07:00")) + "::" + storeType
}
