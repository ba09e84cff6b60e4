package domain

// Типы сущностей учетной системы в том виде, в котором они ходят через
// XML-шлюз. Поля покрывают то, что реально участвует в синхронизации;
// остальное остается в opaque payload на стороне backend.

type Company struct {
	Name         string `json:"name"`
	GUID         string `json:"guid,omitempty"`
	StartingFrom string `json:"starting_from,omitempty"`
}

type Voucher struct {
	GUID          string `json:"guid,omitempty"`
	VoucherNumber string `json:"voucher_number"`
	VoucherType   string `json:"voucher_type"`
	Date          string `json:"date"`
	PartyLedger   string `json:"party_ledger,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Narration     string `json:"narration,omitempty"`
}

type StockItem struct {
	GUID           string `json:"guid,omitempty"`
	Name           string `json:"name"`
	BaseUnits      string `json:"base_units,omitempty"`
	OpeningBalance string `json:"opening_balance,omitempty"`
	OpeningValue   string `json:"opening_value,omitempty"`
}

// Ledger покрывает и parties: в учетной системе контрагент это ledger
// под группой Sundry Debtors/Creditors
type Ledger struct {
	GUID           string `json:"guid,omitempty"`
	Name           string `json:"name"`
	Parent         string `json:"parent,omitempty"`
	OpeningBalance string `json:"opening_balance,omitempty"`
}
