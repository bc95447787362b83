package reservations

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// uidNamespace seeds the name-based UUIDs participant uids are cut from.
var uidNamespace = uuid.MustParse("6f1c8f3e-6c1a-4f55-9a52-2d7e0c4b9a10")

// ParticipantUIDs derives the numeric room ids of both participants. The same
// user always maps to the same uid, uids are never zero and the two sides of one
// consultation never share a uid.
func ParticipantUIDs(patientID, providerID uuid.UUID) (patient, provider uint32) {
	patient = deriveUID(patientID.String())
	provider = deriveUID(providerID.String())
	if provider == patient {
		provider = deriveUID(providerID.String() + ":provider")
	}
	return patient, provider
}

func deriveUID(name string) uint32 {
	u := uuid.NewSHA1(uidNamespace, []byte(name))
	v := binary.BigEndian.Uint32(u[:4])
	if v == 0 {
		v = binary.BigEndian.Uint32(u[4:8]) | 1
	}
	return v
}
