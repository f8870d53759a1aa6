package schema

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testRegisters = `<?xml version="1.0" encoding="utf-8"?>
<sbs>
  <sbsInfo>
    <targetAddress>0x16</targetAddress>
    <targetEndianess>0</targetEndianess>
  </sbsInfo>
  <sbsItem>
    <caption>Voltage</caption>
    <command>0x09</command>
    <readstyle>1</readstyle>
    <lengthwithinblock>2</lengthwithinblock>
    <unit>mV</unit>
    <datatype>U</datatype>
  </sbsItem>
  <sbsItem>
    <caption>Temperature</caption>
    <command>0x08</command>
    <readstyle>1</readstyle>
    <lengthwithinblock>2</lengthwithinblock>
    <readformula>x-2731</readformula>
    <displayformat>d.1</displayformat>
    <unit>degC</unit>
  </sbsItem>
  <sbsItem>
    <caption>IT Status</caption>
    <command>0x0073</command>
    <readstyle>3</readstyle>
    <ismac>true</ismac>
    <offsetwithinblock>0</offsetwithinblock>
    <lengthwithinblock>2</lengthwithinblock>
    <length>32</length>
    <isbitfield>true</isbitfield>
    <fields>
      <bit0>VOK</bit0>
      <bit1>RDIS</bit1>
      <bit12>QEN</bit12>
    </fields>
  </sbsItem>
  <sbsItem>
    <caption>Voltage</caption>
    <command>0x99</command>
  </sbsItem>
  <sbsItem>
    <caption>Current</caption>
    <command>bogus</command>
  </sbsItem>
</sbs>`

const testCommands = `<commands>
  <commandItem>
    <caption>RESET</caption>
    <writestyle>1</writestyle>
    <writevalue>0x0041</writevalue>
    <delayms>1000</delayms>
  </commandItem>
  <commandItem>
    <caption>FW_VERSION</caption>
    <writestyle>2</writestyle>
    <writevalue>0x0002</writevalue>
    <result>true</result>
    <length>32</length>
  </commandItem>
</commands>`

const testDataflash = `<bcfg>
  <bcfgInfo><bcfgxBaseAddr>0x4000</bcfgxBaseAddr></bcfgInfo>
  <bcfgItem>
    <class>Settings</class>
    <subclass>Configuration</subclass>
    <caption>Cell Configuration</caption>
    <offset>0x4010</offset>
    <length>1</length>
    <displaytype>U</displaytype>
    <default>1</default>
    <min>0x00</min>
    <max>0x07</max>
    <datatype>U</datatype>
  </bcfgItem>
  <bcfgItem>
    <caption>Term Voltage</caption>
    <offset>0x4020</offset>
    <length>2</length>
    <default>3000</default>
  </bcfgItem>
</bcfg>`

func parseTestSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewLoader(zaptest.NewLogger(t)).Parse(
		strings.NewReader(testRegisters),
		strings.NewReader(testCommands),
		strings.NewReader(testDataflash))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func TestParse_Registers(t *testing.T) {
	s := parseTestSchema(t)

	if s.Target.Address != 0x16 {
		t.Errorf("target address = %#x, want 0x16", s.Target.Address)
	}
	if s.Target.MACCommand != DefaultMACCommand {
		t.Errorf("MAC command = %#x, want default", s.Target.MACCommand)
	}
	if got := len(s.Registers()); got != 4 {
		t.Fatalf("registers = %d, want 4 (duplicate skipped)", got)
	}

	v, err := s.Register("Voltage")
	if err != nil {
		t.Fatal(err)
	}
	if v.Command != 0x09 || v.ReadStyle != ReadStyleWord || v.Unit != "mV" || v.DataType != "U" {
		t.Errorf("unexpected Voltage descriptor: %+v", v)
	}
	if v.ReadFormula != DefaultFormula || v.DisplayFormat != DefaultDisplayFormat {
		t.Errorf("defaults not kept: formula %q display %q", v.ReadFormula, v.DisplayFormat)
	}

	temp, _ := s.Register("Temperature")
	if temp.DataType != DefaultDataType || temp.ReadFormula != "x-2731" {
		t.Errorf("unexpected Temperature descriptor: %+v", temp)
	}

	cur, _ := s.Register("Current")
	if cur.Command != 0 {
		t.Errorf("invalid command should keep default 0, got %#x", cur.Command)
	}
}

func TestParse_Bitfield(t *testing.T) {
	s := parseTestSchema(t)

	r, idx, err := s.Bit("IT Status", "QEN")
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsMAC || r.ReadStyle != ReadStyleManufacturerBlock || r.BlockLength != 32 {
		t.Errorf("unexpected IT Status descriptor: %+v", r)
	}
	if r.Bits[idx].Position != 12 {
		t.Errorf("QEN position = %d, want 12", r.Bits[idx].Position)
	}

	if _, _, err := s.Bit("IT Status", "NOPE"); !errors.Is(err, ErrUnknownDescriptor) {
		t.Errorf("expected ErrUnknownDescriptor, got %v", err)
	}
	if _, _, err := s.Bit("Voltage", "VOK"); !errors.Is(err, ErrUnknownDescriptor) {
		t.Errorf("non-bitfield register should fail, got %v", err)
	}
}

func TestParse_CommandsAndDataflash(t *testing.T) {
	s := parseTestSchema(t)

	c, err := s.Command("FW_VERSION")
	if err != nil {
		t.Fatal(err)
	}
	if c.Command != 0x0002 || c.WriteStyle != WriteStyleManufacturerBlock || !c.HasResult || c.BlockLength != 32 {
		t.Errorf("unexpected FW_VERSION descriptor: %+v", c)
	}
	if r, _ := s.Command("RESET"); r.DelayMS != 1000 {
		t.Errorf("RESET delay = %d, want 1000", r.DelayMS)
	}

	if s.DataflashBase != 0x4000 {
		t.Errorf("dataflash base = %#x", s.DataflashBase)
	}
	f, err := s.DataflashField("Cell Configuration")
	if err != nil {
		t.Fatal(err)
	}
	if s.DataflashIndex(f) != 0x10 {
		t.Errorf("index = %#x, want 0x10", s.DataflashIndex(f))
	}
	if f.DisplayFormat != "u" || f.Max != 7 || f.Default != 1 || f.Class != "Settings" {
		t.Errorf("unexpected Cell Configuration: %+v", f)
	}

	if _, err := s.DataflashField("Missing"); !errors.Is(err, ErrUnknownDescriptor) {
		t.Errorf("expected ErrUnknownDescriptor, got %v", err)
	}
}

func TestParse_FieldErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	_, err := NewLoader(zap.New(core)).Parse(strings.NewReader(testRegisters), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("Invalid numeric field, default kept").Len() != 1 {
		t.Errorf("expected one numeric field warning, got %v", logs.All())
	}
	if logs.FilterMessage("Duplicate register caption skipped").Len() != 1 {
		t.Errorf("expected one duplicate warning, got %v", logs.All())
	}
}

func TestParse_MalformedLeavesSchemaEmpty(t *testing.T) {
	s, err := NewLoader(zaptest.NewLogger(t)).Parse(
		strings.NewReader(testRegisters),
		strings.NewReader("<commands><commandItem>"),
		nil)
	if !errors.Is(err, ErrMalformedDocument) {
		t.Fatalf("expected ErrMalformedDocument, got %v", err)
	}
	if !s.IsEmpty() || len(s.Commands()) != 0 {
		t.Errorf("schema should be empty after malformed document")
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	bqz := filepath.Join(dir, "gauge.bqz")
	bcfgx := filepath.Join(dir, "gauge.bcfgx")

	f, err := os.Create(bqz)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{RegisterEntry: testRegisters, CommandEntry: testCommands} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.WriteFile(bcfgx, []byte(testDataflash), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zaptest.NewLogger(t))
	s, err := loader.LoadFiles(bqz, bcfgx)
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if len(s.Commands()) != 2 || len(s.DataflashFields()) != 2 {
		t.Errorf("unexpected catalog sizes: %d commands, %d dataflash", len(s.Commands()), len(s.DataflashFields()))
	}

	s, err = loader.LoadFiles(filepath.Join(dir, "missing.bqz"), bcfgx)
	if err == nil || !s.IsEmpty() {
		t.Errorf("missing archive should yield empty schema and error")
	}
}

func TestParseInt(t *testing.T) {
	for in, want := range map[string]int{"16": 16, "0x10": 16, " 0X1f ": 31, "-5": -5} {
		got, err := ParseInt(in)
		if err != nil || got != want {
			t.Errorf("ParseInt(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseInt("0xZZ"); err == nil {
		t.Error("expected error for invalid hex")
	}
}
