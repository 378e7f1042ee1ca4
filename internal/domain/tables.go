package domain

// Закрытый список логических таблиц, которые умеет синхронизировать клиент.
// Любое другое имя таблицы — ошибка на входе, а не "неизвестная сущность".
const (
	TableLotes              = "lotes"
	TableVisitasVet         = "visitas_veterinarias"
	TableManejoDiario       = "manejo_diario"
	TableEstoque            = "estoque"
	TableAplicacoesSaude    = "aplicacoes_saude"
	TableMortalidade        = "mortalidade"
	TableFornecedores       = "fornecedores"
	TableCompras            = "compras"
	TableVendas             = "vendas"
	TableClientes           = "clientes"
)

// syncableTables — полный допустимый набор для очереди мутаций.
var syncableTables = map[string]struct{}{
	TableLotes:           {},
	TableVisitasVet:      {},
	TableManejoDiario:    {},
	TableEstoque:         {},
	TableAplicacoesSaude: {},
	TableMortalidade:     {},
	TableFornecedores:    {},
	TableCompras:         {},
	TableVendas:          {},
	TableClientes:        {},
}

// PullTables — фиксированный список плоских таблиц для инкрементального pull.
// manejo_diario идет отдельным путем (составной ключ дата+период),
// estoque живет только локально и не участвует в pull — исторически так.
var PullTables = []string{
	TableLotes,
	TableVisitasVet,
	TableMortalidade,
	TableAplicacoesSaude,
	TableFornecedores,
	TableCompras,
	TableVendas,
	TableClientes,
}

// IsSyncable проверяет имя таблицы по закрытому списку.
func IsSyncable(table string) bool {
	_, ok := syncableTables[table]
	return ok
}

// AllTables возвращает полный список в стабильном порядке (для статистики).
func AllTables() []string {
	return []string{
		TableLotes,
		TableVisitasVet,
		TableManejoDiario,
		TableEstoque,
		TableAplicacoesSaude,
		TableMortalidade,
		TableFornecedores,
		TableCompras,
		TableVendas,
		TableClientes,
	}
}
