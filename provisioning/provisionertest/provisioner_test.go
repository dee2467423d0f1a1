package provisionertest

import (
	"testing"

	"github.com/hhorai/btmesh/provisioning"

	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
)

func TestProvisionerDrivesProvisioneeToCompletion(t *testing.T) {
	device := provisioning.NewProvisionee(wireprov.Capabilities{
		NumberOfElements: 1,
		Algorithms:       0x0001,
	})
	pr := New(provisioning.AuthValue{})

	invite := pr.Invite(5)
	_, capRaw, hasResp, err := device.Next(wireprov.TypeInvite, invite)
	if err != nil || !hasResp {
		t.Fatalf("Invite: hasResp=%v err=%v", hasResp, err)
	}
	if err := pr.ReceiveCapabilities(capRaw); err != nil {
		t.Fatalf("ReceiveCapabilities: %v", err)
	}

	start := pr.Start(provisioning.AuthMethodNone, 0, 0)
	if _, _, hasResp, err := device.Next(wireprov.TypeStart, start); err != nil || hasResp {
		t.Fatalf("Start: hasResp=%v err=%v", hasResp, err)
	}

	provPub, err := pr.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	_, devPub, hasResp, err := device.Next(wireprov.TypePublicKey, provPub)
	if err != nil || !hasResp {
		t.Fatalf("PublicKey exchange: hasResp=%v err=%v", hasResp, err)
	}
	if err := pr.ReceiveDevicePublicKey(devPub); err != nil {
		t.Fatalf("ReceiveDevicePublicKey: %v", err)
	}

	provConfirmation, err := pr.Confirmation()
	if err != nil {
		t.Fatalf("Confirmation: %v", err)
	}
	_, devConfirmationRaw, hasResp, err := device.Next(wireprov.TypeConfirmation, provConfirmation)
	if err != nil || !hasResp {
		t.Fatalf("Confirmation exchange: hasResp=%v err=%v", hasResp, err)
	}
	devConfirmation, err := pr.ReceiveDeviceConfirmation(devConfirmationRaw)
	if err != nil {
		t.Fatalf("ReceiveDeviceConfirmation: %v", err)
	}

	provRandom := pr.Random()
	_, devRandomRaw, hasResp, err := device.Next(wireprov.TypeRandom, provRandom)
	if err != nil || !hasResp {
		t.Fatalf("Random exchange: hasResp=%v err=%v", hasResp, err)
	}
	if err := pr.FinishAuthentication(devConfirmation, devRandomRaw); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}

	sent := wireprov.ProvisioningData{
		NetworkKey:     [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		KeyIndex:       7,
		Flags:          0,
		IvIndex:        42,
		UnicastAddress: 0x0010,
	}
	dataRaw, err := pr.Data(sent)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, _, hasResp, err := device.Next(wireprov.TypeData, dataRaw); err != nil || !hasResp {
		t.Fatalf("Data exchange: hasResp=%v err=%v", hasResp, err)
	}

	if device.Phase() != provisioning.PhaseComplete {
		t.Fatalf("phase = %v, want Complete (failure reason %v)", device.Phase(), device.FailureReason())
	}
	got, ok := device.Data()
	if !ok {
		t.Fatal("Data() not available after completion")
	}
	if got != sent {
		t.Errorf("decrypted data = %+v, want %+v", got, sent)
	}
	if _, ok := device.DeviceKey(); !ok {
		t.Error("DeviceKey() not available after completion")
	}
}
