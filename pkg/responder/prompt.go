package responder

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"chatbot-engine/pkg/models"
)

const promptDateLayout = "02/01/2006 15:04"

const promptInstructions = `Instruções:
1. Responda de forma natural como um humano
2. Seja conciso (1-2 frases no máximo)
3. Use 1-2 emojis relevantes
4. Nunca revele que é um bot
5. Mantenha o tom profissional mas amigável
6. Varie seu vocabulário e evite repetir palavras idênticas de respostas anteriores`

// mediaSummary replaces media content by a description of its kind
func mediaSummary(kind models.MessageKind) (received, instruction string) {
	switch kind {
	case models.KindImage:
		return "Imagem recebida", "Você está respondendo a uma imagem. Seja criativo na resposta."
	case models.KindVoice:
		return "Mensagem de voz recebida", "Você está respondendo a uma mensagem de voz. Seja criativo na resposta."
	default:
		return "", ""
	}
}

// BuildPrompt assembles the user prompt sent along with the persona
func BuildPrompt(now time.Time, maxChars int, input string, kind models.MessageKind) string {
	var b strings.Builder

	b.WriteString("Informações:\n")
	fmt.Fprintf(&b, "- Data atual: %s\n", now.Format(promptDateLayout))
	fmt.Fprintf(&b, "- Limite de caracteres: %d\n", maxChars)

	received, instruction := mediaSummary(kind)
	if received == "" {
		fmt.Fprintf(&b, "- Mensagem recebida: %q\n", input)
	} else {
		fmt.Fprintf(&b, "- %s\n", received)
	}

	b.WriteString("\n")
	b.WriteString(promptInstructions)
	if instruction != "" {
		b.WriteString("\n7. ")
		b.WriteString(instruction)
	}

	return b.String()
}

// normalize folds case and collapses whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint is the cache key of a prompt. The current time is left out so
// the key stays stable while the entry lives; media input is keyed by kind
// only, matching what the provider would see.
func Fingerprint(sessionID string, kind models.MessageKind, input, persona string) string {
	if _, instruction := mediaSummary(kind); instruction != "" {
		input = ""
	}

	d := xxhash.New()
	for _, part := range []string{sessionID, string(kind), normalize(input), normalize(persona)} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
