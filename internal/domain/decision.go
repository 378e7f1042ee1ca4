package domain

// DecisionStatus — исход проверки доступа к ресурсу.
type DecisionStatus string

const (
	DecisionGranted      DecisionStatus = "granted"
	DecisionUnauthorized DecisionStatus = "unauthorized"
	DecisionForbidden    DecisionStatus = "forbidden"
	DecisionNotFound     DecisionStatus = "not_found"
	DecisionError        DecisionStatus = "error"
)

// AccessDecision — транзитный результат проверки, живет в рамках одного запроса.
// Никогда не кэшируется: каждая проверка идет в базу заново.
type AccessDecision struct {
	Status  DecisionStatus
	User    *User  // заполнен только при granted
	Message string // заполнен при forbidden/error
}

// Granted — шорткат для обработчиков.
func (d AccessDecision) Granted() bool {
	return d.Status == DecisionGranted
}
