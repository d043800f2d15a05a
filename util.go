package roomkit

import (
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

var idGenerator = mustGenerator(nanoid.Standard(21))

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic(err)
	}

	return gen
}

// GenerateID returns a random url safe id.
func GenerateID() string {
	return idGenerator()
}

func newSessionID() string {
	return uuid.New().String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
