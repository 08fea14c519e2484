package awareness

import (
	"hash/fnv"
)

// palette is the fixed set of presence colors. Distinct enough to tell
// collaborators apart on a light background.
var palette = []string{
	"#e63946",
	"#f4a261",
	"#e9c46a",
	"#2a9d8f",
	"#264653",
	"#457b9d",
	"#8338ec",
	"#ff006e",
	"#3a86ff",
	"#fb5607",
}

// ColorFor deterministically assigns a palette color to an identity. The
// same identity always maps to the same color, on every server.
func ColorFor(identity string) string {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return palette[h.Sum32()%uint32(len(palette))]
}
