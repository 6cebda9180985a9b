package storage

import "fmt"

// Family is a logical column family. Each family owns a one-byte key prefix
// inside the single Pebble keyspace.
type Family byte

const (
	FamilyEvents      Family = 0x01
	FamilyOutbox      Family = 0x02
	FamilyCheckpoints Family = 0x03
	FamilyTocNodes    Family = 0x04
	FamilyTocLatest   Family = 0x05
	FamilyGrips       Family = 0x06
	FamilyTopics      Family = 0x07
	FamilyTopicLinks  Family = 0x08
	FamilyTopicRels   Family = 0x09
	FamilyUsage       Family = 0x0a
	// FamilyEventIDs maps an event id to its primary key in FamilyEvents.
	FamilyEventIDs Family = 0x0b
)

var familyNames = map[Family]string{
	FamilyEvents:      "events",
	FamilyOutbox:      "outbox",
	FamilyCheckpoints: "checkpoints",
	FamilyTocNodes:    "toc_nodes",
	FamilyTocLatest:   "toc_latest",
	FamilyGrips:       "grips",
	FamilyTopics:      "topics",
	FamilyTopicLinks:  "topic_links",
	FamilyTopicRels:   "topic_rels",
	FamilyUsage:       "usage",
	FamilyEventIDs:    "event_ids",
}

// Families lists every known family in prefix order.
func Families() []Family {
	return []Family{
		FamilyEvents, FamilyOutbox, FamilyCheckpoints, FamilyTocNodes, FamilyTocLatest,
		FamilyGrips, FamilyTopics, FamilyTopicLinks, FamilyTopicRels, FamilyUsage,
		FamilyEventIDs,
	}
}

func (f Family) Valid() bool {
	_, ok := familyNames[f]
	return ok
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("family(0x%02x)", byte(f))
}

// ParseFamily resolves a family by name.
func ParseFamily(name string) (Family, error) {
	for f, n := range familyNames {
		if n == name {
			return f, nil
		}
	}
	return 0, notFound("parse family", "unknown column family "+name)
}

func (f Family) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, byte(f))
	return append(out, key...)
}

// bounds returns the [lower, upper) Pebble range covering the whole family.
func (f Family) bounds() ([]byte, []byte) {
	return []byte{byte(f)}, []byte{byte(f) + 1}
}
