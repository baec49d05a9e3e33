package router

import (
	"strings"

	"github.com/msageha/dispatchd/internal/model"
)

// Keyword rules tried in order; more specific intents before broader ones.
// Substring matching against the lowercased command, same as the model-free
// classification path has always worked.
var keywordRules = []struct {
	intent     string
	confidence float64
	keywords   []string
}{
	{model.IntentGeneral, 0.95, []string{
		"hello", "hi ", "hey", "good morning", "good evening",
		"thanks", "thank you", "how are you", "who are you",
		"help", "tell me a joke",
	}},
	{model.IntentShopping, 0.9, []string{
		"shopping", "receipt", "bought", "spent", "price", "cost",
		"store", "groceries", "total", "amount", "product",
		"shopping list", "expenses", "budget", "discount", "sale",
	}},
	{model.IntentWeather, 0.8, []string{
		"weather", "temperature", "forecast", "rain", "snow",
		"sunny", "wind", "humidity", "degrees", "cold", "hot",
	}},
	{model.IntentCooking, 0.8, []string{
		"cook", "recipe", "ingredients", "meal", "dinner",
		"breakfast", "supper", "bake", "fry", "boil", "kitchen",
	}},
	{model.IntentSearch, 0.8, []string{
		"search", "find", "look up", "what is", "who is",
		"where", "when", "why", "news", "information", "facts",
	}},
	{model.IntentRAG, 0.8, []string{
		"document", "file", "pdf", "analyze", "summarize", "attachment",
	}},
}

// ClassifyByKeywords is the model-free intent classifier used when the
// language model is unavailable or returns an unusable completion. Unmatched
// commands default to general conversation with low confidence.
func ClassifyByKeywords(command string) model.IntentData {
	lower := strings.ToLower(command)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return model.IntentData{
					Type:       rule.intent,
					Confidence: rule.confidence,
					Entities:   map[string]string{},
				}
			}
		}
	}
	return model.IntentData{
		Type:       model.IntentGeneral,
		Confidence: 0.3,
		Entities:   map[string]string{},
	}
}
