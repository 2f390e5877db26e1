package database

import (
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// pgValue converts a value returned by pgx into something encoding/json
// renders faithfully. Types with no natural JSON form become their
// PostgreSQL text representation.
func pgValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int16, int32, int64:
		return val
	case float32:
		return floatValue(float64(val), val)
	case float64:
		return floatValue(val, val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case netip.Prefix:
		return val.String()
	case net.HardwareAddr:
		return val.String()
	case pgtype.Numeric:
		return numericValue(val)
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		return clockString(val.Microseconds)
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		return intervalString(val)
	case pgtype.Range[any]:
		if !val.Valid {
			return nil
		}
		return rangeString(val)
	case pgtype.Bits:
		if !val.Valid {
			return nil
		}
		return bitString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = pgValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = pgValue(inner)
		}
		return out
	default:
		if g, ok := geometryValue(v); ok {
			return g
		}
		return val
	}
}

// floatValue maps the IEEE specials, which JSON cannot carry, to strings.
func floatValue(f float64, original any) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return original
	}
}

// numericValue keeps arbitrary-precision numerics as decimal strings.
func numericValue(n pgtype.Numeric) any {
	switch {
	case !n.Valid:
		return nil
	case n.NaN:
		return "NaN"
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity"
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity"
	}
	b, err := n.MarshalJSON()
	if err != nil {
		return nil
	}
	return string(b)
}

func clockString(us int64) string {
	const (
		usPerSecond = int64(time.Second / time.Microsecond)
		usPerMinute = 60 * usPerSecond
		usPerHour   = 60 * usPerMinute
	)
	h := us / usPerHour
	us %= usPerHour
	m := us / usPerMinute
	us %= usPerMinute
	s := us / usPerSecond
	us %= usPerSecond
	if us > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%06d", h, m, s, us)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intervalString(iv pgtype.Interval) string {
	var parts []string
	if years := iv.Months / 12; years != 0 {
		parts = append(parts, fmt.Sprintf("%d year(s)", years))
	}
	if months := iv.Months % 12; months != 0 {
		parts = append(parts, fmt.Sprintf("%d mon(s)", months))
	}
	if iv.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d day(s)", iv.Days))
	}
	if iv.Microseconds != 0 {
		parts = append(parts, (time.Duration(iv.Microseconds) * time.Microsecond).String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " ")
}

func rangeString(r pgtype.Range[any]) string {
	if r.LowerType == pgtype.Empty {
		return "empty"
	}
	var sb strings.Builder
	if r.LowerType == pgtype.Inclusive {
		sb.WriteByte('[')
	} else {
		sb.WriteByte('(')
	}
	if r.LowerType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", pgValue(r.Lower))
	}
	sb.WriteByte(',')
	if r.UpperType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", pgValue(r.Upper))
	}
	if r.UpperType == pgtype.Inclusive {
		sb.WriteByte(']')
	} else {
		sb.WriteByte(')')
	}
	return sb.String()
}

func bitString(b pgtype.Bits) string {
	out := make([]byte, b.Len)
	for i := int32(0); i < b.Len; i++ {
		if b.Bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

func pointList(ps []pgtype.Vec2) string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = fmt.Sprintf("(%g,%g)", p.X, p.Y)
	}
	return strings.Join(out, ",")
}

// geometryValue renders the geometric types as text, or nil when NULL.
// ok is false for any other type.
func geometryValue(v any) (out any, ok bool) {
	switch g := v.(type) {
	case pgtype.Point:
		if g.Valid {
			return fmt.Sprintf("(%g,%g)", g.P.X, g.P.Y), true
		}
	case pgtype.Line:
		if g.Valid {
			return fmt.Sprintf("{%g,%g,%g}", g.A, g.B, g.C), true
		}
	case pgtype.Lseg:
		if g.Valid {
			return "[" + pointList(g.P[:]) + "]", true
		}
	case pgtype.Box:
		if g.Valid {
			return pointList(g.P[:]), true
		}
	case pgtype.Path:
		if g.Valid {
			if g.Closed {
				return "(" + pointList(g.P) + ")", true
			}
			return "[" + pointList(g.P) + "]", true
		}
	case pgtype.Polygon:
		if g.Valid {
			return "(" + pointList(g.P) + ")", true
		}
	case pgtype.Circle:
		if g.Valid {
			return fmt.Sprintf("<(%g,%g),%g>", g.P.X, g.P.Y, g.R), true
		}
	default:
		return nil, false
	}
	return nil, true
}
