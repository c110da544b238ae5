package interact

import "github.com/atlasbridge/atlasbridge/internal/detect"

// Classification pairs a class with the confidence it was derived at.
type Classification struct {
	Class      Class
	Confidence detect.Confidence
}

// FusedClassification is the outcome of combining the deterministic and ML
// classifications.
type FusedClassification struct {
	Class      Class
	Confidence detect.Confidence
	// Disagreement flags a MED-confidence conflict; such results are
	// downgraded and never injected automatically.
	Disagreement bool
	// Source names which classifier the result came from.
	Source string
}

// mlOnlyClasses are shapes the regex families cannot express; the ML
// classifier may introduce them even against a deterministic result.
var mlOnlyClasses = map[Class]bool{
	ClassFolderTrust: true,
	ClassRawTerminal: true,
}

// Fuse combines a deterministic classification with an ML one under strict
// precedence rules:
//
//  1. Deterministic HIGH always wins.
//  2. ML-only classes (folder_trust, raw_terminal) may override.
//  3. MED agreement boosts the result to HIGH.
//  4. MED disagreement downgrades to LOW and flags the conflict.
//
// The ML path alone never reaches HIGH, so nothing is auto-injected on ML
// evidence without a deterministic HIGH equivalent.
func Fuse(det Classification, ml *Classification) FusedClassification {
	if ml == nil {
		return FusedClassification{Class: det.Class, Confidence: det.Confidence, Source: "deterministic"}
	}
	if det.Confidence == detect.ConfidenceHigh {
		return FusedClassification{Class: det.Class, Confidence: detect.ConfidenceHigh, Source: "deterministic"}
	}
	if mlOnlyClasses[ml.Class] {
		return FusedClassification{Class: ml.Class, Confidence: ml.Confidence, Source: "ml"}
	}
	if det.Confidence == detect.ConfidenceMedium {
		if ml.Class == det.Class {
			return FusedClassification{Class: det.Class, Confidence: detect.ConfidenceHigh, Source: "fused"}
		}
		return FusedClassification{
			Class:        det.Class,
			Confidence:   detect.ConfidenceLow,
			Disagreement: true,
			Source:       "fused",
		}
	}
	return FusedClassification{Class: det.Class, Confidence: det.Confidence, Source: "deterministic"}
}
