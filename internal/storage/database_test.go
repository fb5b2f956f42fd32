package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/onehub/pktfwd/internal/packet"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pktfwd-test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndQueryUplink(t *testing.T) {
	db := openTestDB(t)

	u := &Uplink{
		DevAddr:    "01020304",
		FPort:      10,
		MType:      "UnconfirmedDataUp",
		FreqHz:     868100000,
		Modulation: "LORA",
		Datarate:   "SF7BW125",
		RSSI:       -80,
		SNR:        7.5,
		CRCStatus:  "CRC_OK",
		CountUs:    123456,
		Size:       2,
		PayloadHex: "DEAD",
		ReceivedAt: time.Now().UTC(),
	}
	id, err := db.InsertUplink(u)
	if err != nil {
		t.Fatalf("InsertUplink failed: %v", err)
	}
	if id <= 0 {
		t.Error("expected positive row id")
	}

	rows, err := db.RecentUplinks(10)
	if err != nil {
		t.Fatalf("RecentUplinks failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.DevAddr != "01020304" || got.FPort != 10 || got.PayloadHex != "DEAD" {
		t.Errorf("row mismatch: %+v", got)
	}

	n, err := db.CountUplinks()
	if err != nil || n != 1 {
		t.Errorf("CountUplinks = %d, %v", n, err)
	}
}

func TestPruneUplinks(t *testing.T) {
	db := openTestDB(t)

	old := &Uplink{
		FreqHz: 1, Modulation: "LORA", Datarate: "SF7BW125",
		CRCStatus: "CRC_OK", PayloadHex: "00",
		ReceivedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &Uplink{
		FreqHz: 1, Modulation: "LORA", Datarate: "SF7BW125",
		CRCStatus: "CRC_OK", PayloadHex: "01",
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := db.InsertUplink(old); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertUplink(fresh); err != nil {
		t.Fatal(err)
	}

	n, err := db.PruneUplinksBefore(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneUplinksBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestNewUplinkDecodesAddressing(t *testing.T) {
	// MHDR(0x40 unconfirmed up) + devaddr LE 04030201 + fctrl + fcnt + fport + mic
	phy := []byte{0x40, 0x04, 0x03, 0x02, 0x01, 0x00, 0x00, 0x00, 0x0A, 0, 0, 0, 0}
	p := packet.RxPacket{
		FreqHz:          868100000,
		Modulation:      packet.ModLoRa,
		Bandwidth:       125000,
		SpreadingFactor: 7,
		CRC:             packet.CRCOK,
		Payload:         phy,
		CountUs:         99,
	}
	u := NewUplink(&p)
	if u.DevAddr != "01020304" {
		t.Errorf("dev_addr = %q, want 01020304", u.DevAddr)
	}
	if u.FPort != 10 {
		t.Errorf("fport = %d, want 10", u.FPort)
	}
	if u.Datarate != "SF7BW125" || u.CRCStatus != "CRC_OK" {
		t.Errorf("row mismatch: %+v", u)
	}
}

func TestNewUplinkUndecodable(t *testing.T) {
	p := packet.RxPacket{
		Modulation: packet.ModFSK,
		FSKDatarate: 50000,
		CRC:        packet.CRCNone,
		Payload:    []byte{0x01},
	}
	u := NewUplink(&p)
	if u.DevAddr != "" || u.FPort != -1 {
		t.Errorf("undecodable payload should leave addressing empty: %+v", u)
	}
}
