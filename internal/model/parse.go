package model

import (
	"encoding/json"
	"strings"

	"github.com/ManuGH/videoagent/internal/domain"
)

// fallbackConfidence is attached when the model answered in prose instead
// of the requested JSON shape.
const fallbackConfidence = 0.5

// ParseVision turns a vision answer into a FrameAnalysis. The model is asked
// for JSON but writes free text often enough that every call site must cope:
// fenced JSON is unwrapped, valid JSON is taken as-is, anything else becomes
// the description with default confidence. This is the only vision parser;
// do not reimplement the fallback elsewhere.
func ParseVision(raw string) domain.FrameAnalysis {
	text := strings.TrimSpace(raw)
	candidate := stripFence(text)

	var fa domain.FrameAnalysis
	if err := json.Unmarshal([]byte(candidate), &fa); err == nil && fa.Description != "" {
		if fa.Confidence <= 0 || fa.Confidence > 1 {
			fa.Confidence = fallbackConfidence
		}
		fa.Objects = dropInvalidBoxes(fa.Objects)
		return fa
	}

	return domain.FrameAnalysis{
		Description: text,
		Confidence:  fallbackConfidence,
	}
}

// stripFence unwraps ```json ... ``` (or bare ```) fences.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the info string ("json") on the fence line.
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func dropInvalidBoxes(objs []domain.DetectedObject) []domain.DetectedObject {
	kept := objs[:0]
	for _, o := range objs {
		if o.Box.Valid() {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
