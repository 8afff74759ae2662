package scheduler

import "github.com/wehubfusion/Hermes/pkg/codec"

// Merge folds branch outputs left to right. Lists concatenate, with a
// non-list side promoted to a one-element list; maps merge recursively; for
// any other pair the first value is kept. Inputs are not modified.
func Merge(results []map[string]any) map[string]any {
	return mergeResults(results, nil)
}

func mergeResults(results []map[string]any, dropped func(key string)) map[string]any {
	merged := make(map[string]any)
	for _, r := range results {
		mergeInto(merged, codec.DeepCopy(r), dropped)
	}
	return merged
}

func mergeInto(target, source map[string]any, dropped func(key string)) {
	for key, value := range source {
		existing, ok := target[key]
		if !ok {
			target[key] = value
			continue
		}
		target[key] = mergeValue(key, existing, value, dropped)
	}
}

func mergeValue(key string, existing, value any, dropped func(key string)) any {
	left, leftList := existing.([]any)
	right, rightList := value.([]any)
	if leftList || rightList {
		if !leftList {
			left = []any{existing}
		}
		if !rightList {
			right = []any{value}
		}
		out := make([]any, 0, len(left)+len(right))
		out = append(out, left...)
		return append(out, right...)
	}

	lm, lok := existing.(map[string]any)
	rm, rok := value.(map[string]any)
	if lok && rok {
		mergeInto(lm, rm, dropped)
		return lm
	}

	if dropped != nil {
		dropped(key)
	}
	return existing
}
