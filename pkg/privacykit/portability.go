package privacykit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
)

// XML shapes for portability bundles. Records are schemaless, so fields are
// emitted as name/value pairs rather than element names.
type xmlExport struct {
	XMLName xml.Name   `xml:"export"`
	UserID  string     `xml:"userId,attr"`
	Tables  []xmlTable `xml:"table"`
}

type xmlTable struct {
	Name    string      `xml:"name,attr"`
	Records []xmlRecord `xml:"record"`
}

type xmlRecord struct {
	Fields []xmlField `xml:"field"`
}

type xmlField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

func encodeTablesXML(userID string, tables map[string][]Record) ([]byte, error) {
	doc := xmlExport{UserID: userID}
	for _, name := range sortedTableNames(tables) {
		table := xmlTable{Name: name}
		for _, rec := range tables[name] {
			entry := xmlRecord{}
			for _, field := range sortedFieldNames(rec) {
				entry.Fields = append(entry.Fields, xmlField{
					Name:  field,
					Value: fieldText(rec[field]),
				})
			}
			table.Records = append(table.Records, entry)
		}
		doc.Tables = append(doc.Tables, table)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// encodeTablesCSV writes one CSV block per table, preceded by a comment line
// naming the table, with a header of the union of field names.
func encodeTablesCSV(tables map[string][]Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range sortedTableNames(tables) {
		recs := tables[name]
		fmt.Fprintf(&buf, "# table: %s\n", name)

		columns := unionFieldNames(recs)
		w := csv.NewWriter(&buf)
		if err := w.Write(columns); err != nil {
			return nil, err
		}
		for _, rec := range recs {
			row := make([]string, len(columns))
			for i, col := range columns {
				if value, ok := rec[col]; ok {
					row[i] = fieldText(value)
				}
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func sortedTableNames(tables map[string][]Record) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedFieldNames(rec Record) []string {
	fields := make([]string, 0, len(rec))
	for field := range rec {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func unionFieldNames(recs []Record) []string {
	set := make(map[string]struct{})
	for _, rec := range recs {
		for field := range rec {
			set[field] = struct{}{}
		}
	}
	columns := make([]string, 0, len(set))
	for field := range set {
		columns = append(columns, field)
	}
	sort.Strings(columns)
	return columns
}

// fieldText renders a schemaless value for XML/CSV cells; composites fall
// back to compact JSON.
func fieldText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
