package capture

import "sync"

// FakeRecognizer 是测试用的识别器，记录调用并允许手动切换可用性。
type FakeRecognizer struct {
	mu        sync.Mutex
	available bool
	StartErr  error
	starts    []Settings
	stops     int
}

func NewFakeRecognizer(available bool) *FakeRecognizer {
	return &FakeRecognizer{available: available}
}

func (f *FakeRecognizer) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *FakeRecognizer) SetAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func (f *FakeRecognizer) Start(settings Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.starts = append(f.starts, settings)
	return nil
}

func (f *FakeRecognizer) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

// Starts 返回 Start 调用记录。
func (f *FakeRecognizer) Starts() []Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Settings(nil), f.starts...)
}

// Stops 返回 Stop 调用次数。
func (f *FakeRecognizer) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
