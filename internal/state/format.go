package state

import (
	"fmt"
	"strings"
	"time"
)

// FormatStatus renders the state as the status message posted in chat.
// Bold uses **markdown**; the Telegram channel converts it to HTML.
func FormatStatus(st ModuleState) string {
	emoji, label := "❌", "DESACTIVADO"
	if st.Enabled {
		emoji, label = "✅", "ACTIVADO"
	}

	last := "Nunca"
	if st.Stats.LastResponseAt != nil {
		last = st.Stats.LastResponseAt.UTC().Format(time.RFC3339)
	}

	var sb strings.Builder
	sb.WriteString("🤖 **ChatFight Auto-Responder**\n\n")
	fmt.Fprintf(&sb, "%s Estado: **%s**\n\n", emoji, label)
	sb.WriteString("📊 **Estadísticas:**\n")
	fmt.Fprintf(&sb, "• Total de respuestas: %d\n", st.Stats.TotalResponses)
	fmt.Fprintf(&sb, "• Palabras encontradas: %d\n", st.Stats.WordResponses)
	fmt.Fprintf(&sb, "• Operaciones calculadas: %d\n", st.Stats.ArithmeticResponses)
	fmt.Fprintf(&sb, "• Errores: %d\n\n", st.Stats.Errors)
	fmt.Fprintf(&sb, "🕐 Última respuesta: %s", last)
	return sb.String()
}
