package synthesizer

import (
	"regexp"
	"strconv"
	"strings"
)

// Shape is the inferred output structure the user asked for.
type Shape struct {
	Kind  string
	Count int // 0 means unspecified
}

var (
	paragraphRe = regexp.MustCompile(`(\d+)\s+(?:cohesive\s+)?paragraph`)
	bulletRe    = regexp.MustCompile(`(\d+)\s+(?:key\s+)?bullet`)
	sentenceRe  = regexp.MustCompile(`(\d+)\s+sentence`)
)

// InferShape mirrors synthesis.py's infer_shape, defaulting to two
// paragraphs when nothing more specific matches.
func InferShape(userMsg string) Shape {
	lowered := strings.ToLower(userMsg)

	if m := paragraphRe.FindStringSubmatch(lowered); m != nil {
		return Shape{Kind: "paragraphs", Count: atoi(m[1])}
	}
	if m := bulletRe.FindStringSubmatch(lowered); m != nil {
		return Shape{Kind: "bullets", Count: atoi(m[1])}
	}
	if strings.Contains(lowered, "bullet") || strings.Contains(lowered, "list") {
		return Shape{Kind: "bullets"}
	}
	if m := sentenceRe.FindStringSubmatch(lowered); m != nil {
		return Shape{Kind: "sentences", Count: atoi(m[1])}
	}
	if strings.Contains(lowered, "memo") || strings.Contains(lowered, "short note") {
		return Shape{Kind: "note"}
	}
	if strings.Contains(lowered, "table") {
		return Shape{Kind: "table"}
	}
	if strings.Contains(lowered, "summary") && strings.Contains(lowered, "one") {
		return Shape{Kind: "summary"}
	}
	return Shape{Kind: "paragraphs", Count: 2}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Instruction renders the shape-enforcing instruction line.
func (s Shape) Instruction() string {
	switch s.Kind {
	case "paragraphs":
		if s.Count > 0 {
			return "Write exactly " + strconv.Itoa(s.Count) + " cohesive paragraphs. No headings."
		}
		return "Write a concise set of paragraphs without headings."
	case "bullets":
		if s.Count > 0 {
			return "Write exactly " + strconv.Itoa(s.Count) + " bullet points."
		}
		return "Write a focused bulleted list."
	case "sentences":
		if s.Count > 0 {
			return "Write exactly " + strconv.Itoa(s.Count) + " sentences."
		}
		return "Write short, direct sentences."
	case "note":
		return "Write a tight executive note (3-4 sentences)."
	case "table":
		return "Provide a simple markdown table if information allows; otherwise fall back to tight sentences."
	case "summary":
		return "Write one brief summary paragraph."
	default:
		return "Write a clear, structured response that mirrors the user's requested format."
	}
}

var chartKeywords = []string{"chart", "graph", "plot", "visual", "visualize", "visualise", "diagram"}

// WantsCharts reports whether the user's phrasing asked for a visualization.
func WantsCharts(userMsg string) bool {
	lowered := strings.ToLower(userMsg)
	for _, kw := range chartKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
