package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/hervehildenbrand/fabricwatch/pkg/detector"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

// trainingVectors reads JSON-lines SNMP samples and windows them into
// feature vectors with the runtime schema. Vectors with metrics missing for
// a whole window are excluded from training.
func trainingVectors(path string, windowSeconds int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open samples: %w", err)
	}
	defer f.Close()

	var samples []models.SNMPSample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var s models.SNMPSample
		if err := json.Unmarshal(text, &s); err != nil {
			return nil, fmt.Errorf("samples line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}

	// Extraction is window-close driven, so samples must run forward in
	// time per device.
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].TS < samples[j].TS })

	extractor := detector.NewFeatureExtractor(windowSeconds)
	var vectors [][]float64
	add := func(v models.SNMPFeatureVector) {
		for _, val := range v.Values {
			if math.IsNaN(val) {
				return
			}
		}
		vectors = append(vectors, v.Values)
	}
	var maxTS int64
	for _, s := range samples {
		if s.TS > maxTS {
			maxTS = s.TS
		}
		if v := extractor.Add(s); v != nil {
			add(*v)
		}
	}
	for _, v := range extractor.Flush(maxTS + int64(windowSeconds)*1000) {
		add(v)
	}

	if len(vectors) == 0 {
		return nil, fmt.Errorf("no complete feature vectors in %s", path)
	}
	return vectors, nil
}
