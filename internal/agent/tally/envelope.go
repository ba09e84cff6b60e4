package tally

import (
	"encoding/xml"
	"fmt"
)

// RequestType верб заголовка TALLYREQUEST
type RequestType string

const (
	RequestExport RequestType = "Export Data"
	RequestImport RequestType = "Import Data"
)

// Имена коллекций XML-шлюза
const (
	CollectionCompanies  = "List of Companies"
	CollectionVouchers   = "Voucher Register"
	CollectionStockItems = "List of Stock Items"
	CollectionLedgers    = "List of Ledgers"
)

// RequestOptions свободные параметры запроса: скоуп компании, период
type RequestOptions struct {
	Company  string
	FromDate string
	ToDate   string
}

type envelope struct {
	XMLName xml.Name `xml:"ENVELOPE"`
	Header  header   `xml:"HEADER"`
	Body    body     `xml:"BODY"`
}

type header struct {
	TallyRequest string `xml:"TALLYREQUEST"`
}

type body struct {
	ExportData *exportData `xml:"EXPORTDATA,omitempty"`
	ImportData *importData `xml:"IMPORTDATA,omitempty"`
}

type exportData struct {
	RequestDesc requestDesc `xml:"REQUESTDESC"`
}

type importData struct {
	RequestDesc requestDesc `xml:"REQUESTDESC"`
	RequestData *requestData `xml:"REQUESTDATA,omitempty"`
}

type requestDesc struct {
	ReportName      string           `xml:"REPORTNAME,omitempty"`
	StaticVariables *staticVariables `xml:"STATICVARIABLES,omitempty"`
}

type staticVariables struct {
	Company      string `xml:"SVCURRENTCOMPANY,omitempty"`
	FromDate     string `xml:"SVFROMDATE,omitempty"`
	ToDate       string `xml:"SVTODATE,omitempty"`
	ExportFormat string `xml:"SVEXPORTFORMAT,omitempty"`
}

type requestData struct {
	TallyMessage tallyMessage `xml:"TALLYMESSAGE"`
}

// tallyMessage несет одну импортируемую сущность; заполнено ровно одно поле
type tallyMessage struct {
	Voucher   *voucherNode   `xml:"VOUCHER,omitempty"`
	StockItem *stockItemNode `xml:"STOCKITEM,omitempty"`
	Ledger    *ledgerNode    `xml:"LEDGER,omitempty"`
}

// Узлы ответа. Шлюз несет идентичность в атрибутах, значения в детях.
type companyNode struct {
	Name         string `xml:"NAME,attr"`
	GUID         string `xml:"GUID"`
	StartingFrom string `xml:"STARTINGFROM"`
}

type voucherNode struct {
	GUID          string `xml:"GUID"`
	VoucherNumber string `xml:"VOUCHERNUMBER"`
	VoucherType   string `xml:"VOUCHERTYPENAME"`
	Date          string `xml:"DATE"`
	PartyLedger   string `xml:"PARTYLEDGERNAME"`
	Amount        string `xml:"AMOUNT"`
	Narration     string `xml:"NARRATION"`
}

type stockItemNode struct {
	Name           string `xml:"NAME,attr"`
	GUID           string `xml:"GUID"`
	BaseUnits      string `xml:"BASEUNITS"`
	OpeningBalance string `xml:"OPENINGBALANCE"`
	OpeningValue   string `xml:"OPENINGVALUE"`
}

type ledgerNode struct {
	Name           string `xml:"NAME,attr"`
	GUID           string `xml:"GUID"`
	Parent         string `xml:"PARENT"`
	OpeningBalance string `xml:"OPENINGBALANCE"`
}

// Конверт ответа. Один узел и массив узлов декодируются одинаково:
// шлюз схлопывает singleton-коллекции, slice покрывает оба случая.
type responseEnvelope struct {
	XMLName xml.Name     `xml:"ENVELOPE"`
	Body    responseBody `xml:"BODY"`
}

type responseBody struct {
	Data responseData `xml:"DATA"`
}

type responseData struct {
	Collection   responseCollection `xml:"COLLECTION"`
	ImportResult *ImportResult      `xml:"IMPORTRESULT"`
	LineError    string             `xml:"LINEERROR"`
}

type responseCollection struct {
	Companies  []companyNode   `xml:"COMPANY"`
	Vouchers   []voucherNode   `xml:"VOUCHER"`
	StockItems []stockItemNode `xml:"STOCKITEM"`
	Ledgers    []ledgerNode    `xml:"LEDGER"`
}

type ImportResult struct {
	Created   int    `xml:"CREATED"`
	Altered   int    `xml:"ALTERED"`
	Errors    int    `xml:"ERRORS"`
	LastVchID string `xml:"LASTVCHID"`
}

// BuildRequest собирает XML-конверт запроса к шлюзу
func BuildRequest(requestType RequestType, collection string, opts RequestOptions) ([]byte, error) {
	env := envelope{
		Header: header{TallyRequest: string(requestType)},
	}

	desc := requestDesc{ReportName: collection}
	if opts.Company != "" || opts.FromDate != "" || opts.ToDate != "" {
		desc.StaticVariables = &staticVariables{
			Company:      opts.Company,
			FromDate:     opts.FromDate,
			ToDate:       opts.ToDate,
			ExportFormat: "$$SysName:XML",
		}
	}

	switch requestType {
	case RequestExport:
		env.Body.ExportData = &exportData{RequestDesc: desc}
	case RequestImport:
		env.Body.ImportData = &importData{RequestDesc: desc}
	default:
		return nil, fmt.Errorf("unknown request type %q", requestType)
	}

	raw, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s envelope: %w", requestType, err)
	}

	return append([]byte(xml.Header), raw...), nil
}

func buildImportEnvelope(collection string, opts RequestOptions, msg tallyMessage) ([]byte, error) {
	env := envelope{
		Header: header{TallyRequest: string(RequestImport)},
		Body: body{
			ImportData: &importData{
				RequestDesc: requestDesc{ReportName: collection},
				RequestData: &requestData{TallyMessage: msg},
			},
		},
	}

	if opts.Company != "" {
		env.Body.ImportData.RequestDesc.StaticVariables = &staticVariables{Company: opts.Company}
	}

	raw, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to build import envelope: %w", err)
	}

	return append([]byte(xml.Header), raw...), nil
}
