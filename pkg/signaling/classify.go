package signaling

import "encoding/json"

// Classification is the outcome of Classify.
type Classification struct {
	Type Type
	// Fallback is set when the payload shape was not recognized and the
	// type was derived from the endpoint's role.
	Fallback bool
}

// classifyShape picks out the markers Classify cares about.
type classifyShape struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

// Classify determines what kind of signal payload is.
func Classify(payload json.RawMessage, initiator bool) Classification {
	var shape classifyShape
	if err := json.Unmarshal(payload, &shape); err == nil {
		switch Type(shape.Type) {
		case TypeOffer, TypeAnswer, TypeEnd:
			return Classification{Type: Type(shape.Type)}
		}
		if len(shape.Candidate) > 0 && string(shape.Candidate) != "null" {
			return Classification{Type: TypeCandidate}
		}
	}

	if initiator {
		return Classification{Type: TypeOffer, Fallback: true}
	}
	return Classification{Type: TypeAnswer, Fallback: true}
}
