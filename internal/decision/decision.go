package decision

import (
	"fmt"
	"math"
)

type Command int

const (
	Forward Command = iota
	Left
	Right
	Unknown
)

// NumClasses is the number of classes the steering model predicts.
const NumClasses = 3

var commandNames = map[Command]string{
	Forward: "Forward",
	Left:    "Left",
	Right:   "Right",
	Unknown: "Unknown",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return commandNames[Unknown]
}

func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(b []byte) error {
	parsed, ok := ParseCommand(string(b))
	if !ok {
		return fmt.Errorf("unknown command %q", b)
	}
	*c = parsed
	return nil
}

// CommandFromIndex maps a class index to its command. Anything outside the
// known classes is Unknown.
func CommandFromIndex(i int) Command {
	switch i {
	case 0:
		return Forward
	case 1:
		return Left
	case 2:
		return Right
	}
	return Unknown
}

func ParseCommand(s string) (Command, bool) {
	for c, name := range commandNames {
		if name == s {
			return c, true
		}
	}
	return Unknown, false
}

// Probabilities holds one probability per class, in class order.
type Probabilities []float32

type Decision struct {
	Command    Command `json:"command"`
	Confidence float32 `json:"confidence"`
	Index      int     `json:"index"`
}

// Softmax converts logits into a probability distribution. The max logit is
// subtracted before exponentiation. A +Inf logit takes all the mass; the
// first one wins when several are infinite.
func Softmax(logits []float32) Probabilities {
	if len(logits) == 0 {
		return Probabilities{}
	}

	maxIdx, maxLogit := 0, logits[0]
	for i, l := range logits[1:] {
		if l > maxLogit {
			maxIdx, maxLogit = i+1, l
		}
	}

	out := make(Probabilities, len(logits))
	if math.IsInf(float64(maxLogit), 1) {
		out[maxIdx] = 1
		return out
	}
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Argmax returns the index and value of the largest element. Ties go to the
// lowest index. An empty slice yields (-1, 0).
func Argmax(p []float32) (int, float32) {
	if len(p) == 0 {
		return -1, 0
	}
	idx, best := 0, p[0]
	for i, v := range p[1:] {
		if v > best {
			idx, best = i+1, v
		}
	}
	return idx, best
}

// Map picks the most likely class and turns it into a driving command.
// Malformed vectors (empty, wrong length, NaN) map to Unknown with zero
// confidence.
func Map(p Probabilities) Decision {
	if len(p) != NumClasses {
		return Decision{Command: Unknown, Index: -1}
	}
	for _, v := range p {
		if math.IsNaN(float64(v)) || v < 0 {
			return Decision{Command: Unknown, Index: -1}
		}
	}

	idx, conf := Argmax(p)
	return Decision{
		Command:    CommandFromIndex(idx),
		Confidence: conf,
		Index:      idx,
	}
}

// FromLogits applies Softmax and Map.
func FromLogits(logits []float32) (Decision, Probabilities) {
	p := Softmax(logits)
	return Map(p), p
}
