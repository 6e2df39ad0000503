package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/message"
	"github.com/stretchr/testify/mock"
)

// Operation names used by the FakeNative knobs. They match the op field of the
// error callbacks the fake raises.
const (
	OpScan        = "scan"
	OpStopScan    = "stop-scan"
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpDiscover    = "discover"
	OpRead        = "read"
	OpWrite       = "write"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

type fakePeripheral struct {
	profile    PeripheralProfile
	values     map[string][]byte
	subscribed map[string]bool
	connected  bool
}

type failureKey struct {
	op   string
	char string
}

type queuedEvent struct {
	ev    bridge.Event
	delay time.Duration
}

// FakeNative is a scripted native stack. Calls are recorded through the embedded
// mock.Mock (every method has a permissive default expectation), and replies are
// raised asynchronously, in call order, from a single emitter goroutine.
//
//	fake := testutils.NewFakeNative(logger)
//	fake.AddPeripheral(testutils.BatteryPeripheral("AA:BB"))
//	fake.SetSilent(testutils.OpConnect, true) // never answers connect
//	...
//	fake.AssertCalled(t, "Disconnect", "AA:BB")
type FakeNative struct {
	mock.Mock

	logger *logrus.Logger

	mu          sync.Mutex
	handler     bridge.Handler
	peripherals map[string]*fakePeripheral
	order       []string
	silent      map[string]bool
	failures    map[failureKey]string
	rejections  map[string]error
	delays      map[string]time.Duration
	untagged    bool
	incremental bool
	scanEndsIn  time.Duration
	emitted     []bridge.Event
	counts      map[string]int

	queue  []queuedEvent
	signal chan struct{}
	closed bool
}

func NewFakeNative(logger *logrus.Logger) *FakeNative {
	if logger == nil {
		logger = logrus.New()
	}
	f := &FakeNative{
		logger:      logger,
		peripherals: make(map[string]*fakePeripheral),
		silent:      make(map[string]bool),
		failures:    make(map[failureKey]string),
		rejections:  make(map[string]error),
		delays:      make(map[string]time.Duration),
		counts:      make(map[string]int),
		signal:      make(chan struct{}, 1),
	}

	f.On("StartScan", mock.Anything).Return().Maybe()
	f.On("StopScan").Return().Maybe()
	f.On("Connect", mock.Anything).Return().Maybe()
	f.On("Disconnect", mock.Anything).Return().Maybe()
	f.On("DiscoverServices", mock.Anything).Return().Maybe()
	f.On("Read", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.On("Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.On("Unsubscribe", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.On("Close").Return().Maybe()

	groutine.Go(context.Background(), "fake-native-callbacks", func(context.Context) { f.run() })
	return f
}

// AddPeripheral makes a peripheral visible to scans and connectable.
func (f *FakeNative) AddPeripheral(p PeripheralProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp := &fakePeripheral{
		profile:    p,
		values:     make(map[string][]byte),
		subscribed: make(map[string]bool),
	}
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			fp.values[charID(svc.UUID, c.UUID)] = append([]byte(nil), c.Value...)
		}
	}
	if _, known := f.peripherals[p.ID]; !known {
		f.order = append(f.order, p.ID)
	}
	f.peripherals[p.ID] = fp
}

// ReplaceServices swaps the GATT table of a peripheral, as a firmware update would.
func (f *FakeNative) ReplaceServices(id string, services []ServiceConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.peripherals[id]; ok {
		fp.profile.Services = services
		for _, svc := range services {
			for _, c := range svc.Characteristics {
				fp.values[charID(svc.UUID, c.UUID)] = append([]byte(nil), c.Value...)
			}
		}
	}
}

// SetSilent makes the stack accept op but never answer it.
func (f *FakeNative) SetSilent(op string, silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[op] = silent
}

// FailOp answers op with an error callback. char limits the failure to one
// characteristic; "" applies to every target. An empty msg clears the failure.
func (f *FakeNative) FailOp(op, char, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := failureKey{op: op, char: device.NormalizeUUID(char)}
	if msg == "" {
		delete(f.failures, key)
		return
	}
	f.failures[key] = msg
}

// Reject makes op fail synchronously with err.
func (f *FakeNative) Reject(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections[op] = err
}

// SetDelay postpones the answer to op.
func (f *FakeNative) SetDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// SetUntaggedValues omits the read/notify source from value callbacks.
func (f *FakeNative) SetUntaggedValues(untagged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untagged = untagged
}

// SetIncrementalDiscovery reports characteristics one callback at a time.
func (f *FakeNative) SetIncrementalDiscovery(incremental bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremental = incremental
}

// EndScanAfter makes the stack finish a scan on its own after d.
func (f *FakeNative) EndScanAfter(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanEndsIn = d
}

func (f *FakeNative) SetHandler(h bridge.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeNative) StartScan(filter bridge.ScanFilter) error {
	f.Called(filter)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["StartScan"]++

	if err := f.rejections[OpScan]; err != nil {
		return err
	}
	if msg, ok := f.failures[failureKey{op: OpScan}]; ok {
		f.enqueueLocked(message.EncodeFailure(message.Charpath{}, OpScan, msg, 0), 0)
		return nil
	}
	for _, id := range f.order {
		f.enqueueLocked(message.EncodeDevice(f.peripherals[id].profile.Advertisement()), f.delays[OpScan])
	}
	if f.scanEndsIn > 0 {
		f.enqueueLocked(message.EncodeScanCompleted("timeout"), f.scanEndsIn)
	}
	return nil
}

func (f *FakeNative) StopScan() error {
	f.Called()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["StopScan"]++

	if err := f.rejections[OpStopScan]; err != nil {
		return err
	}
	if f.silent[OpStopScan] {
		return nil
	}
	f.enqueueLocked(message.EncodeScanCompleted("stopped"), f.delays[OpStopScan])
	return nil
}

func (f *FakeNative) Connect(id string) error {
	f.Called(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Connect"]++

	if err := f.rejections[OpConnect]; err != nil {
		return err
	}
	fp, ok := f.peripherals[id]
	if !ok {
		f.enqueueLocked(message.EncodeFailure(message.Charpath{ID: id}, OpConnect, "unknown peripheral", 0), 0)
		return nil
	}
	if f.answerLocked(OpConnect, id, "", "") {
		return nil
	}
	fp.connected = true
	f.enqueueLocked(message.EncodeConnected(id), f.delays[OpConnect])
	return nil
}

func (f *FakeNative) Disconnect(id string) error {
	f.Called(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Disconnect"]++

	if err := f.rejections[OpDisconnect]; err != nil {
		return err
	}
	if f.silent[OpDisconnect] {
		return nil
	}
	if fp, ok := f.peripherals[id]; ok {
		fp.connected = false
		fp.subscribed = make(map[string]bool)
	}
	f.enqueueLocked(message.EncodeDisconnected(id, "requested"), f.delays[OpDisconnect])
	return nil
}

func (f *FakeNative) DiscoverServices(id string) error {
	f.Called(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["DiscoverServices"]++

	if err := f.rejections[OpDiscover]; err != nil {
		return err
	}
	if f.answerLocked(OpDiscover, id, "", "") {
		return nil
	}
	fp, ok := f.peripherals[id]
	if !ok {
		f.enqueueLocked(message.EncodeFailure(message.Charpath{ID: id}, OpDiscover, "not connected", 0), 0)
		return nil
	}

	delay := f.delays[OpDiscover]
	for _, svc := range fp.profile.ServiceInfos() {
		if f.incremental {
			f.enqueueLocked(message.EncodeService(id, device.ServiceInfo{UUID: svc.UUID}), delay)
			for _, c := range svc.Characteristics {
				f.enqueueLocked(message.EncodeCharacteristic(id, svc.UUID, c), 0)
			}
		} else {
			f.enqueueLocked(message.EncodeService(id, svc), delay)
		}
		delay = 0
	}
	f.enqueueLocked(message.EncodeDiscoveryCompleted(id), delay)
	return nil
}

func (f *FakeNative) Read(id, service, characteristic string) error {
	f.Called(id, service, characteristic)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Read"]++

	if err := f.rejections[OpRead]; err != nil {
		return err
	}
	if f.answerLocked(OpRead, id, service, characteristic) {
		return nil
	}
	var value []byte
	if fp, ok := f.peripherals[id]; ok {
		value = fp.values[charID(service, characteristic)]
	}
	source := message.SourceRead
	if f.untagged {
		source = message.SourceUnspecified
	}
	f.enqueueLocked(message.EncodeValue(path(id, service, characteristic), value, source), f.delays[OpRead])
	return nil
}

func (f *FakeNative) Write(id, service, characteristic string, data []byte, withResponse bool) error {
	f.Called(id, service, characteristic, data, withResponse)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Write"]++

	if err := f.rejections[OpWrite]; err != nil {
		return err
	}
	if fp, ok := f.peripherals[id]; ok {
		fp.values[charID(service, characteristic)] = append([]byte(nil), data...)
	}
	if !withResponse {
		return nil
	}
	if f.answerLocked(OpWrite, id, service, characteristic) {
		return nil
	}
	f.enqueueLocked(message.EncodeWriteCompleted(path(id, service, characteristic)), f.delays[OpWrite])
	return nil
}

func (f *FakeNative) Subscribe(id, service, characteristic string) error {
	f.Called(id, service, characteristic)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Subscribe"]++

	if err := f.rejections[OpSubscribe]; err != nil {
		return err
	}
	if f.answerLocked(OpSubscribe, id, service, characteristic) {
		return nil
	}
	if fp, ok := f.peripherals[id]; ok {
		fp.subscribed[charID(service, characteristic)] = true
	}
	f.enqueueLocked(message.EncodeSubscription(path(id, service, characteristic), true), f.delays[OpSubscribe])
	return nil
}

func (f *FakeNative) Unsubscribe(id, service, characteristic string) error {
	f.Called(id, service, characteristic)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Unsubscribe"]++

	if err := f.rejections[OpUnsubscribe]; err != nil {
		return err
	}
	if f.answerLocked(OpUnsubscribe, id, service, characteristic) {
		return nil
	}
	if fp, ok := f.peripherals[id]; ok {
		delete(fp.subscribed, charID(service, characteristic))
	}
	f.enqueueLocked(message.EncodeSubscription(path(id, service, characteristic), false), f.delays[OpUnsubscribe])
	return nil
}

func (f *FakeNative) Close() error {
	f.Called()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.wakeLocked()
	}
	return nil
}

// Notify raises a notification as a subscribed peripheral would.
func (f *FakeNative) Notify(id, service, characteristic string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source := message.SourceNotify
	if f.untagged {
		source = message.SourceUnspecified
	}
	f.enqueueLocked(message.EncodeValue(path(id, service, characteristic), value, source), 0)
}

// DropLink raises an unsolicited disconnect.
func (f *FakeNative) DropLink(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.peripherals[id]; ok {
		fp.connected = false
		fp.subscribed = make(map[string]bool)
	}
	f.enqueueLocked(message.EncodeDisconnected(id, reason), 0)
}

// Emit raises an arbitrary callback.
func (f *FakeNative) Emit(ev bridge.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueLocked(ev, 0)
}

// Value returns the last value written to (or configured for) a characteristic.
func (f *FakeNative) Value(id, service, characteristic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.peripherals[id]; ok {
		return fp.values[charID(service, characteristic)]
	}
	return nil
}

func (f *FakeNative) IsSubscribed(id, service, characteristic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.peripherals[id]; ok {
		return fp.subscribed[charID(service, characteristic)]
	}
	return false
}

func (f *FakeNative) IsConnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.peripherals[id]
	return ok && fp.connected
}

// CallCount returns how many times a Native method was invoked.
func (f *FakeNative) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

// Emitted returns every callback delivered so far.
func (f *FakeNative) Emitted() []bridge.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Event(nil), f.emitted...)
}

// answerLocked raises the configured failure for op, or swallows op when silent.
// Returns true when the regular answer must be skipped.
func (f *FakeNative) answerLocked(op, id, service, characteristic string) bool {
	char := device.NormalizeUUID(characteristic)
	msg, failing := f.failures[failureKey{op: op, char: char}]
	if !failing {
		msg, failing = f.failures[failureKey{op: op}]
	}
	if failing {
		f.enqueueLocked(message.EncodeFailure(path(id, service, characteristic), op, msg, 0), f.delays[op])
		return true
	}
	return f.silent[op]
}

func (f *FakeNative) enqueueLocked(ev bridge.Event, delay time.Duration) {
	if f.closed {
		return
	}
	f.queue = append(f.queue, queuedEvent{ev: ev, delay: delay})
	f.wakeLocked()
}

func (f *FakeNative) wakeLocked() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *FakeNative) run() {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.mu.Unlock()
			<-f.signal
			f.mu.Lock()
		}
		if f.closed {
			f.queue = nil
			f.mu.Unlock()
			return
		}
		next := f.queue[0]
		f.queue = f.queue[1:]
		h := f.handler
		f.mu.Unlock()

		if next.delay > 0 {
			time.Sleep(next.delay)
		}
		if h == nil {
			f.logger.WithField("kind", next.ev.Kind).Debug("Fake stack has no handler, dropping callback")
			continue
		}

		f.mu.Lock()
		f.emitted = append(f.emitted, next.ev)
		f.mu.Unlock()
		h(next.ev)
	}
}

func charID(service, characteristic string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(characteristic)
}

func path(id, service, characteristic string) message.Charpath {
	return message.Charpath{ID: id, Service: device.NormalizeUUID(service), Characteristic: device.NormalizeUUID(characteristic)}
}
