package gateway

import (
	"strings"
)

// legacyBaiduModel is routed to the baidu service when nothing else matches.
const legacyBaiduModel = "DeepSeek-R1"

// Resolve picks the service for model. Each tier is consulted only when the
// previous one found nothing:
//
//  1. a service declares model exactly
//  2. model starts with a declared model; the longest declared prefix wins
//  3. a service key occurs in the lower-cased model
//  4. DeepSeek-R1 goes to baidu
//  5. model starts with a service key
//
// Keys are visited in sorted order so ties resolve the same way every time.
func Resolve(services Services, model string) (string, ServiceConfig, error) {
	if model == "" {
		return "", ServiceConfig{}, &ServiceNotFoundError{}
	}
	keys := services.Keys()

	for _, k := range keys {
		for _, m := range services[k].Models {
			if m == model {
				return k, services[k], nil
			}
		}
	}

	best, bestLen := "", 0
	for _, k := range keys {
		for _, m := range services[k].Models {
			if m != "" && len(m) > bestLen && strings.HasPrefix(model, m) {
				best, bestLen = k, len(m)
			}
		}
	}
	if best != "" {
		return best, services[best], nil
	}

	lower := strings.ToLower(model)
	for _, k := range keys {
		if k != "" && strings.Contains(lower, k) {
			return k, services[k], nil
		}
	}

	if model == legacyBaiduModel {
		if svc, ok := services["baidu"]; ok {
			return "baidu", svc, nil
		}
	}

	for _, k := range keys {
		if k != "" && strings.HasPrefix(model, k) {
			return k, services[k], nil
		}
	}

	return "", ServiceConfig{}, &ServiceNotFoundError{Model: model}
}
