// Package detection provides the emergency and intent detectors the workflow
// engine screens callers with.
package detection

import (
	"context"
	"regexp"
	"strings"

	"github.com/dukex/callflow/pkg/models"
)

const (
	criticalConfidence = 0.9
	urgentConfidence   = 0.6
	phraseConfidence   = 0.8

	// EmergencyThreshold is the confidence from which a keyword match counts
	// as an emergency.
	EmergencyThreshold = 0.6
)

var (
	criticalKeywords = []string{
		"chest pain", "heart attack", "can't breathe", "cannot breathe",
		"difficulty breathing", "unconscious", "unresponsive", "severe bleeding",
		"bleeding heavily", "stroke", "seizure", "overdose", "suicide",
		"kill myself", "choking", "severe burn",
	}

	urgentKeywords = []string{
		"accident", "injury", "fell down", "broken bone", "head injury",
		"allergic reaction", "high fever", "severe pain", "vomiting blood",
		"loss of consciousness",
	}

	emergencyPhrases = []*regexp.Regexp{
		regexp.MustCompile(`\bneed (an )?ambulance\b`),
		regexp.MustCompile(`\bcall 911\b`),
		regexp.MustCompile(`\bhelp me\b`),
		regexp.MustCompile(`\bemergency\b`),
		regexp.MustCompile(`\bdying\b`),
		regexp.MustCompile(`\blife threatening\b`),
	}
)

// KeywordDetector flags emergencies from a fixed clinical keyword list. It
// needs no network and backs up the remote detector.
type KeywordDetector struct{}

func (KeywordDetector) DetectEmergency(_ context.Context, transcript string) (*models.EmergencyDetectionResult, error) {
	text := strings.ToLower(transcript)
	result := &models.EmergencyDetectionResult{TriggeredKeywords: []string{}}

	match := func(keyword string, confidence float64) {
		result.TriggeredKeywords = append(result.TriggeredKeywords, keyword)
		if confidence > result.Confidence {
			result.Confidence = confidence
		}
	}

	for _, k := range criticalKeywords {
		if strings.Contains(text, k) {
			match(k, criticalConfidence)
		}
	}

	for _, k := range urgentKeywords {
		if strings.Contains(text, k) {
			match(k, urgentConfidence)
		}
	}

	for _, re := range emergencyPhrases {
		if found := re.FindString(text); found != "" {
			match(found, phraseConfidence)
		}
	}

	result.IsEmergency = result.Confidence >= EmergencyThreshold

	return result, nil
}
