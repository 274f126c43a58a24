package proto

// Record lists ride in lookup replies: count, then length-prefixed
// encoded announce records.

func EncodeRecordList(recs [][]byte) []byte {
	b := appendUvarint(nil, uint64(len(recs)))
	for _, r := range recs {
		b = appendUvarint(b, uint64(len(r)))
		b = append(b, r...)
	}
	return b
}

func DecodeRecordList(b []byte) ([][]byte, error) {
	n, b, err := readUvarint(b)
	if err != nil || n > 64 {
		return nil, ErrBadPayload
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		var sz uint64
		sz, b, err = readUvarint(b)
		if err != nil || uint64(len(b)) < sz {
			return nil, ErrBadPayload
		}
		out = append(out, append([]byte(nil), b[:sz]...))
		b = b[sz:]
	}
	if len(b) != 0 {
		return nil, ErrBadPayload
	}
	return out, nil
}
