package sync

import "strings"

// Перевод имен полей между клиентским соглашением (camelCase) и схемой
// удаленной базы (snake_case). Один генерик на все таблицы: раньше такие
// преобразования плодились на каждую сущность отдельно.

// ToSnake превращает quantidadeAves → quantidade_aves.
func ToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel превращает quantidade_aves → quantidadeAves.
func ToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// MapToSnake переводит ключи плоской записи в snake_case.
// Merge в очереди тоже shallow, поэтому вложенные значения не трогаем.
func MapToSnake(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[ToSnake(k)] = v
	}
	return out
}

// MapToCamel — обратное преобразование для строк, пришедших с сервера.
func MapToCamel(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[ToCamel(k)] = v
	}
	return out
}
