package playback

import (
	"sync"
)

// FakeSynthesizer 记录所有平台调用，供测试断言调用顺序。
type FakeSynthesizer struct {
	mu       sync.Mutex
	voices   []Voice
	ops      []string
	spoken   []Utterance
	speakErr error
}

func NewFakeSynthesizer(voices ...Voice) *FakeSynthesizer {
	return &FakeSynthesizer{voices: voices}
}

// SpeakErr 让后续 Speak 返回指定错误。
func (f *FakeSynthesizer) SpeakErr(err error) {
	f.mu.Lock()
	f.speakErr = err
	f.mu.Unlock()
}

func (f *FakeSynthesizer) Voices() []Voice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Voice(nil), f.voices...)
}

func (f *FakeSynthesizer) Speak(u Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.ops = append(f.ops, "speak:"+u.Text)
	f.spoken = append(f.spoken, u)
	return nil
}

func (f *FakeSynthesizer) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "cancel")
	return nil
}

// Ops 返回按时间顺序的调用记录，如 ["cancel", "speak:text"]。
func (f *FakeSynthesizer) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// Spoken 返回已交给平台的 utterance。
func (f *FakeSynthesizer) Spoken() []Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Utterance(nil), f.spoken...)
}

// Last 返回最后一次 Speak 的 utterance。
func (f *FakeSynthesizer) Last() (Utterance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spoken) == 0 {
		return Utterance{}, false
	}
	return f.spoken[len(f.spoken)-1], true
}
