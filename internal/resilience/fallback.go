package resilience

// cannedReplies holds the fallback sentence spoken when the LLM is
// unreachable mid-session, per language code. The session keeps flowing and
// the user hears something sensible instead of silence.
var cannedReplies = map[string]string{
	"en": "I'm sorry, I'm having trouble thinking right now. Could you say that again in a moment?",
	"de": "Entschuldigung, ich kann gerade nicht klar denken. Kannst du das gleich noch einmal sagen?",
	"es": "Lo siento, ahora mismo me cuesta pensar. ¿Podrías repetirlo en un momento?",
	"fr": "Désolé, j'ai du mal à réfléchir en ce moment. Peux-tu répéter dans un instant ?",
}

// CannedReply returns the fallback sentence for the given language code,
// falling back to English for unknown codes.
func CannedReply(language string) string {
	if reply, ok := cannedReplies[language]; ok {
		return reply
	}
	return cannedReplies["en"]
}
