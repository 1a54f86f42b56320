package common

import (
	"encoding/base64"
	"encoding/json"
	"sort"
)

// VersionVector is a sparse mapping replica id -> highest observed counter.
// It never shrinks: Observe and Merge only raise entries
type VersionVector struct {
	counters map[ReplicaID]uint64
}

// NewVersionVector creates an empty version vector
func NewVersionVector() VersionVector {
	return VersionVector{}
}

// Observe raises the entry for replica to at least counter
func (vv *VersionVector) Observe(replica ReplicaID, counter uint64) {
	if vv.counters == nil {
		vv.counters = make(map[ReplicaID]uint64)
	}
	if counter > vv.counters[replica] {
		vv.counters[replica] = counter
	}
}

// Merge joins other into vv pointwise
func (vv *VersionVector) Merge(other VersionVector) {
	for replica, counter := range other.counters {
		vv.Observe(replica, counter)
	}
}

// Get returns the highest observed counter for replica, 0 if none
func (vv VersionVector) Get(replica ReplicaID) uint64 {
	return vv.counters[replica]
}

// Len returns the number of replicas with a non-zero entry
func (vv VersionVector) Len() int {
	return len(vv.counters)
}

// IsAwareOf reports whether vv pointwise dominates other, i.e. vv has seen
// everything other has seen
func (vv VersionVector) IsAwareOf(other VersionVector) bool {
	for replica, counter := range other.counters {
		if vv.counters[replica] < counter {
			return false
		}
	}
	return true
}

// Equal reports pointwise equality, ignoring explicit zero entries
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.IsAwareOf(other) && other.IsAwareOf(vv)
}

// Clone returns an independent deep copy
func (vv VersionVector) Clone() VersionVector {
	if vv.counters == nil {
		return VersionVector{}
	}
	ret := VersionVector{counters: make(map[ReplicaID]uint64, len(vv.counters))}
	for replica, counter := range vv.counters {
		ret.counters[replica] = counter
	}
	return ret
}

// Replicas returns the replicas with non-zero entries, sorted lexicographically
func (vv VersionVector) Replicas() []ReplicaID {
	ret := make([]ReplicaID, 0, len(vv.counters))
	for replica := range vv.counters {
		ret = append(ret, replica)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// The JSON form is an object keyed by base64url-encoded replica ids, so
// arbitrary replica bytes survive the round trip on any SQL backend

// MarshalJSON implements json.Marshaler
func (vv VersionVector) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint64, len(vv.counters))
	for replica, counter := range vv.counters {
		m[base64.RawURLEncoding.EncodeToString([]byte(replica))] = counter
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler
func (vv *VersionVector) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return xerrStoragef("version vector: %v", err)
	}
	vv.counters = nil
	for key, counter := range m {
		replica, err := base64.RawURLEncoding.DecodeString(key)
		if err != nil {
			return xerrStoragef("version vector key %q: %v", key, err)
		}
		vv.Observe(ReplicaID(replica), counter)
	}
	return nil
}

// VersionVectorFromJSON decodes the JSON form. Empty input yields an empty vector
func VersionVectorFromJSON(data []byte) (VersionVector, error) {
	var ret VersionVector
	if len(data) == 0 {
		return ret, nil
	}
	if err := json.Unmarshal(data, &ret); err != nil {
		return ret, err
	}
	return ret, nil
}

// MustJSON encodes the vector, panicking on the impossible encode failure
func (vv VersionVector) MustJSON() []byte {
	ret, err := json.Marshal(vv)
	if err != nil {
		panic(err)
	}
	return ret
}
