package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildExportRequest(t *testing.T) {
	raw, err := BuildRequest(RequestExport, CollectionVouchers, RequestOptions{
		Company:  "Demo Company",
		FromDate: "20260401",
		ToDate:   "20260430",
	})
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, "<TALLYREQUEST>Export Data</TALLYREQUEST>")
	assert.Contains(t, body, "<REPORTNAME>Voucher Register</REPORTNAME>")
	assert.Contains(t, body, "<SVCURRENTCOMPANY>Demo Company</SVCURRENTCOMPANY>")
	assert.Contains(t, body, "<SVFROMDATE>20260401</SVFROMDATE>")
	assert.Contains(t, body, "<SVTODATE>20260430</SVTODATE>")
	assert.Contains(t, body, "</ENVELOPE>")
}

func TestBuildRequestRejectsUnknownVerb(t *testing.T) {
	_, err := BuildRequest(RequestType("Delete Data"), CollectionVouchers, RequestOptions{})
	assert.Error(t, err)
}

// Шлюз схлопывает singleton-коллекции: один узел и массив узлов
// должны декодироваться одинаково
func TestExtractCompaniesSingletonAndArray(t *testing.T) {
	singleton := []byte(`<ENVELOPE><BODY><DATA><COLLECTION>
		<COMPANY NAME="Solo Traders"><GUID>guid-1</GUID><STARTINGFROM>20250401</STARTINGFROM></COMPANY>
	</COLLECTION></DATA></BODY></ENVELOPE>`)

	companies, err := ExtractCompanies(singleton)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "Solo Traders", companies[0].Name)
	assert.Equal(t, "guid-1", companies[0].GUID)

	array := []byte(`<ENVELOPE><BODY><DATA><COLLECTION>
		<COMPANY NAME="First Co"><GUID>g1</GUID></COMPANY>
		<COMPANY NAME="Second Co"><GUID>g2</GUID></COMPANY>
	</COLLECTION></DATA></BODY></ENVELOPE>`)

	companies, err = ExtractCompanies(array)
	require.NoError(t, err)
	require.Len(t, companies, 2)
	assert.Equal(t, "First Co", companies[0].Name)
	assert.Equal(t, "Second Co", companies[1].Name)
}

func TestExtractVouchers(t *testing.T) {
	raw := []byte(`<ENVELOPE><BODY><DATA><COLLECTION>
		<VOUCHER>
			<GUID>v-guid-1</GUID>
			<VOUCHERNUMBER>101</VOUCHERNUMBER>
			<VOUCHERTYPENAME>Sales</VOUCHERTYPENAME>
			<DATE>20260415</DATE>
			<PARTYLEDGERNAME>Acme Ltd</PARTYLEDGERNAME>
			<AMOUNT>1500.00</AMOUNT>
			<NARRATION> quarterly order </NARRATION>
		</VOUCHER>
	</COLLECTION></DATA></BODY></ENVELOPE>`)

	vouchers, err := ExtractVouchers(raw)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)

	v := vouchers[0]
	assert.Equal(t, "v-guid-1", v.GUID)
	assert.Equal(t, "101", v.VoucherNumber)
	assert.Equal(t, "Sales", v.VoucherType)
	assert.Equal(t, "Acme Ltd", v.PartyLedger)
	assert.Equal(t, "quarterly order", v.Narration) // trimmed
}

func TestExtractLineErrorIsProtocolRejection(t *testing.T) {
	raw := []byte(`<ENVELOPE><BODY><DATA>
		<LINEERROR>Could not find report Voucher Register</LINEERROR>
	</DATA></BODY></ENVELOPE>`)

	_, err := ExtractVouchers(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Line, "Could not find report")
}

func TestExtractMalformedXMLIsParseError(t *testing.T) {
	_, err := ExtractCompanies([]byte(`<ENVELOPE><BODY>truncated`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseImportResult(t *testing.T) {
	ok := []byte(`<ENVELOPE><BODY><DATA><IMPORTRESULT>
		<CREATED>1</CREATED><ALTERED>0</ALTERED><ERRORS>0</ERRORS>
		<LASTVCHID>12345</LASTVCHID>
	</IMPORTRESULT></DATA></BODY></ENVELOPE>`)

	result, err := ParseImportResult(ok)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, "12345", result.LastVchID)

	rejected := []byte(`<ENVELOPE><BODY><DATA><IMPORTRESULT>
		<CREATED>0</CREATED><ALTERED>0</ALTERED><ERRORS>2</ERRORS>
	</IMPORTRESULT></DATA></BODY></ENVELOPE>`)

	_, err = ParseImportResult(rejected)
	assert.ErrorIs(t, err, ErrProtocol)

	missing := []byte(`<ENVELOPE><BODY><DATA></DATA></BODY></ENVELOPE>`)
	_, err = ParseImportResult(missing)
	assert.ErrorIs(t, err, ErrParse)
}

// Round-trip: внутренняя сущность -> импорт-конверт -> узел ответа ->
// внутренняя сущность без потери полей
func TestVoucherRoundTrip(t *testing.T) {
	msg := tallyMessage{Voucher: &voucherNode{
		GUID:          "rt-guid",
		VoucherNumber: "777",
		VoucherType:   "Payment",
		Date:          "20260501",
		PartyLedger:   "Supplier X",
		Amount:        "999.95",
		Narration:     "round trip",
	}}

	envelope, err := buildImportEnvelope("Vouchers", RequestOptions{Company: "Demo"}, msg)
	require.NoError(t, err)

	// Ответ экспорта, собранный из тех же данных
	response := []byte(`<ENVELOPE><BODY><DATA><COLLECTION>
		<VOUCHER>
			<GUID>rt-guid</GUID>
			<VOUCHERNUMBER>777</VOUCHERNUMBER>
			<VOUCHERTYPENAME>Payment</VOUCHERTYPENAME>
			<DATE>20260501</DATE>
			<PARTYLEDGERNAME>Supplier X</PARTYLEDGERNAME>
			<AMOUNT>999.95</AMOUNT>
			<NARRATION>round trip</NARRATION>
		</VOUCHER>
	</COLLECTION></DATA></BODY></ENVELOPE>`)

	vouchers, err := ExtractVouchers(response)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)

	got := vouchers[0]
	want := msg.Voucher
	assert.Equal(t, want.GUID, got.GUID)
	assert.Equal(t, want.VoucherNumber, got.VoucherNumber)
	assert.Equal(t, want.VoucherType, got.VoucherType)
	assert.Equal(t, want.Date, got.Date)
	assert.Equal(t, want.PartyLedger, got.PartyLedger)
	assert.Equal(t, want.Amount, got.Amount)
	assert.Equal(t, want.Narration, got.Narration)

	assert.Contains(t, string(envelope), "<VOUCHERNUMBER>777</VOUCHERNUMBER>")
}
