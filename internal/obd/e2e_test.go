package obd_test

import (
	"context"
	"testing"

	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

func TestReadPIDOverSimulatedAdapter(t *testing.T) {
	sim := transport.NewSimulator()
	sim.Responses["010C"] = "410C1AF8"
	tr := transport.New(transport.WithOpener(transport.AdapterSim, sim.Opener()))

	ctx := context.Background()
	if _, err := tr.Connect(ctx, transport.AdapterSim, "sim", 0); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer tr.Disconnect()

	r, err := obd.NewClient(tr).ReadPID(ctx, "010C")
	if err != nil {
		t.Fatalf("ReadPID returned error: %v", err)
	}
	if r.Value == nil || *r.Value != 1726 || r.Unit != "RPM" {
		t.Fatalf("got %+v, want 1726 RPM", r)
	}
}

func TestReadVINFromSimulator(t *testing.T) {
	tr := transport.New()
	ctx := context.Background()
	if _, err := tr.Connect(ctx, transport.AdapterSim, "sim", 0); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer tr.Disconnect()

	c := obd.NewClient(tr)
	vin, err := c.ReadVIN(ctx)
	if err != nil || vin != "1D4GP00R55B123456" {
		t.Fatalf("ReadVIN = %q, %v", vin, err)
	}
	name, err := c.ReadECUName(ctx)
	if err != nil || name != "ECM-EngineControl" {
		t.Fatalf("ReadECUName = %q, %v", name, err)
	}
	dtcs, err := c.ReadDTCs(ctx)
	if err != nil || len(dtcs) != 2 {
		t.Fatalf("ReadDTCs = %v, %v", dtcs, err)
	}
}
