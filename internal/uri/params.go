package uri

import (
	"fmt"
	"strconv"
	"time"
)

// PublicationParams are the log-shaping parameters a publication URI may pin.
type PublicationParams struct {
	HasSessionID  bool
	SessionID     int32
	HasMTU        bool
	MTULength     int32
	HasTermLength bool
	TermLength    int32
	HasPosition   bool
	InitialTermID int32
	TermID        int32
	TermOffset    int32
	LingerNs      int64
	HasLinger     bool
	Sparse        bool
	HasSparse     bool
	EOS           bool
}

// ParsePublicationParams extracts and validates publication parameters.
func ParsePublicationParams(u *ChannelURI, isExclusive bool) (PublicationParams, error) {
	var p PublicationParams

	if v := u.Get(SessionIDKey); v != "" {
		id, err := parseInt32(SessionIDKey, v)
		if err != nil {
			return p, err
		}
		p.HasSessionID = true
		p.SessionID = id
	}
	if v := u.Get(MTUKey); v != "" {
		mtu, err := parseSize32(MTUKey, v)
		if err != nil {
			return p, err
		}
		p.HasMTU = true
		p.MTULength = mtu
	}
	if v := u.Get(TermLengthKey); v != "" {
		length, err := parseSize32(TermLengthKey, v)
		if err != nil {
			return p, err
		}
		p.HasTermLength = true
		p.TermLength = length
	}
	if v := u.Get(LingerKey); v != "" {
		d, err := parseDuration(LingerKey, v)
		if err != nil {
			return p, err
		}
		p.HasLinger = true
		p.LingerNs = d
	}
	if v := u.Get(SparseKey); v != "" {
		p.HasSparse = true
		p.Sparse = v == "true"
	}
	p.EOS = u.Get(EOSKey) != "false"

	// A pinned start position needs all three of init-term-id, term-id,
	// term-offset, and only an exclusive publication may pin one.
	hasInit := u.Has(InitialTermIDKey)
	hasTermID := u.Has(TermIDKey)
	hasOffset := u.Has(TermOffsetKey)
	if hasInit || hasTermID || hasOffset {
		if !(hasInit && hasTermID && hasOffset) {
			return p, fmt.Errorf("position parameters must be specified together: %s, %s, %s",
				InitialTermIDKey, TermIDKey, TermOffsetKey)
		}
		if !isExclusive {
			return p, fmt.Errorf("position parameters require an exclusive publication")
		}
		var err error
		if p.InitialTermID, err = parseInt32(InitialTermIDKey, u.Get(InitialTermIDKey)); err != nil {
			return p, err
		}
		if p.TermID, err = parseInt32(TermIDKey, u.Get(TermIDKey)); err != nil {
			return p, err
		}
		if p.TermOffset, err = parseInt32(TermOffsetKey, u.Get(TermOffsetKey)); err != nil {
			return p, err
		}
		if delta := p.TermID - p.InitialTermID; delta < 0 {
			return p, fmt.Errorf("term-id %d before init-term-id %d", p.TermID, p.InitialTermID)
		}
		if p.TermOffset < 0 || p.TermOffset&7 != 0 {
			return p, fmt.Errorf("term-offset %d must be non-negative and 8-byte aligned", p.TermOffset)
		}
		if p.HasTermLength && int64(p.TermOffset) > int64(p.TermLength) {
			return p, fmt.Errorf("term-offset %d beyond term-length %d", p.TermOffset, p.TermLength)
		}
		p.HasPosition = true
	}

	return p, nil
}

// SubscriptionParams are the receive-side parameters a subscription URI may set.
type SubscriptionParams struct {
	HasSessionID bool
	SessionID    int32
	Reliable     bool
	Rejoin       bool
	Tether       bool
	Group        bool
}

// ParseSubscriptionParams extracts and validates subscription parameters.
func ParseSubscriptionParams(u *ChannelURI) (SubscriptionParams, error) {
	p := SubscriptionParams{Reliable: true, Rejoin: true, Tether: true}

	if v := u.Get(SessionIDKey); v != "" {
		id, err := parseInt32(SessionIDKey, v)
		if err != nil {
			return p, err
		}
		p.HasSessionID = true
		p.SessionID = id
	}
	p.Reliable = u.Get(ReliableKey) != "false"
	p.Rejoin = u.Get(RejoinKey) != "false"
	p.Tether = u.Get(TetherKey) != "false"
	p.Group = u.Get(GroupKey) == "true"
	return p, nil
}

func parseInt32(key, value string) (int32, error) {
	v, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, value, err)
	}
	return int32(v), nil
}

// parseSize32 accepts plain bytes or k/m/g suffixed sizes, e.g. 64k, 4m.
func parseSize32(key, value string) (int32, error) {
	multiplier := int64(1)
	digits := value
	if n := len(value); n > 0 {
		switch value[n-1] {
		case 'k', 'K':
			multiplier = 1024
			digits = value[:n-1]
		case 'm', 'M':
			multiplier = 1024 * 1024
			digits = value[:n-1]
		case 'g', 'G':
			multiplier = 1024 * 1024 * 1024
			digits = value[:n-1]
		}
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, value, err)
	}
	total := v * multiplier
	if total < 0 || total > int64(^uint32(0)>>1) {
		return 0, fmt.Errorf("parameter %s=%q: out of range", key, value)
	}
	return int32(total), nil
}

// parseDuration accepts ns values or Go duration strings, returning ns.
func parseDuration(key, value string) (int64, error) {
	if ns, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ns, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, value, err)
	}
	return d.Nanoseconds(), nil
}
