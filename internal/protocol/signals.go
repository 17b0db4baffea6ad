package protocol

// PhaseChange is the payload of a phase_change envelope.
type PhaseChange struct {
	Phase string `json:"phase"`
}

// BabyInfo is the payload of a baby_info envelope.
type BabyInfo struct {
	Name      string `json:"name,omitempty"`
	BirthTime int64  `json:"birthTime,omitempty"`
	WeightG   int    `json:"weightG,omitempty"`
	Sex       string `json:"sex,omitempty"`
}
