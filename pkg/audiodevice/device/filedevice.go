package device

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var (
	errInvalidWAVFile          = errors.New("error while decoding audio file")
	errNonPositiveSamplesFrame = errors.New("non-positive samples per frame")
)

// --------------------------------------------------------------------------------
// FileAudioInputDevice

// Define an AudioSourceDevice that reads from a .WAV file and sends the samples
// as AudioFrames, paced in real time, as if the file were a live microphone.
//
// Nothing is sent until Play is called. If looping is enabled the file repeats
// forever, otherwise the stream is closed once the file has been played.
type FileAudioInputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties     audiodevice.DeviceProperties
	frameDuration  time.Duration
	framesPerChunk int
	loop           bool

	// Planar samples of the whole file, scaled to [-1, 1]
	planes [][]float32

	ctx           context.Context
	ctxCancelFunc context.CancelFunc

	mu           sync.Mutex
	playing      bool
	shutdownOnce sync.Once
	sinkStream   chan frame.AudioFrame
}

// Make a new FileAudioInputDevice from a .WAV file (on the audioFilePath).
//
// The sample rate and channel count are determined by the file,
// but the duration between frames is determined by the frameDuration parameter.
// 20ms is a common choice, and matches the packetization of G.711 tracks.
func NewFileAudioInputDevice(
	audioFilePath string,
	frameDuration time.Duration,
	loop bool,
) (*FileAudioInputDevice, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"file input device uuid", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, errInvalidWAVFile
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		logger.Error(
			"could not get full PCM buffer from audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	properties := audiodevice.DeviceProperties{
		SampleRate:  int(decoder.SampleRate),
		NumChannels: int(decoder.NumChans),
	}
	framesPerChunk := int(float64(properties.SampleRate) * float64(frameDuration) / float64(time.Second))
	if framesPerChunk <= 0 || properties.NumChannels <= 0 {
		logger.Error(
			"non-positive samples per frame during opening of file audio input",
			"audioFile", audioFilePath,
			"sampleRate", properties.SampleRate,
			"channels", properties.NumChannels,
			"framesPerChunk", framesPerChunk,
		)
		return nil, errNonPositiveSamplesFrame
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
		"bitDepth", decoder.BitDepth,
		"framesPerChunk", framesPerChunk,
	)

	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	return &FileAudioInputDevice{
		logger:         logger,
		uuid:           uuid,
		properties:     properties,
		frameDuration:  frameDuration,
		framesPerChunk: framesPerChunk,
		loop:           loop,
		planes:         deinterleaveIntBuffer(buf, properties.NumChannels, int(decoder.BitDepth)),
		ctx:            ctx,
		ctxCancelFunc:  ctxCancelFunc,
		sinkStream:     make(chan frame.AudioFrame),
	}, nil
}

// Start playing the audio file loaded by this input device.
// If the context is canceled, or the device is closed, the playback stops
// and the stream is closed. Calling Play more than once has no effect.
func (d *FileAudioInputDevice) Play(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playing || d.ctx.Err() != nil {
		return
	}
	d.playing = true

	d.logger.Debug("playing audio")
	go func() {
		defer close(d.sinkStream)

		ticker := time.NewTicker(d.frameDuration)
		defer ticker.Stop()

		var timestamp time.Duration
		numFrames := 0
		if len(d.planes) > 0 {
			numFrames = len(d.planes[0])
		}
		for {
			for start := 0; start < numFrames; start += d.framesPerChunk {
				end := min(start+d.framesPerChunk, numFrames)
				chunk := frame.New(d.properties.SampleRate, d.properties.NumChannels, end-start, timestamp)
				for c, plane := range d.planes {
					copy(chunk.Plane(c), plane[start:end])
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				case <-d.ctx.Done():
					return
				}
				select {
				case d.sinkStream <- chunk:
					timestamp += chunk.Duration()
				case <-ctx.Done():
					return
				case <-d.ctx.Done():
					return
				}
			}
			if !d.loop || numFrames == 0 {
				d.logger.Debug("finished playing")
				return
			}
		}
	}()
}

// Stop playback and close the stream. Safe to call multiple times.
func (d *FileAudioInputDevice) Close() {
	d.shutdownOnce.Do(func() {
		d.logger.Debug("shutdown called")
		d.mu.Lock()
		defer d.mu.Unlock()
		d.ctxCancelFunc()
		// A playing device closes its own stream when the producer exits
		if !d.playing {
			close(d.sinkStream)
		}
	})
}

func (d *FileAudioInputDevice) GetStream() <-chan frame.AudioFrame {
	return d.sinkStream
}

func (d *FileAudioInputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

func deinterleaveIntBuffer(buf *goaudio.IntBuffer, numChannels int, bitDepth int) [][]float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))
	numFrames := len(buf.Data) / numChannels
	planes := make([][]float32, numChannels)
	for c := range planes {
		planes[c] = make([]float32, numFrames)
		for i := 0; i < numFrames; i++ {
			planes[c][i] = float32(buf.Data[i*numChannels+c]) / scale
		}
	}
	return planes
}

// --------------------------------------------------------------------------------
// FileAudioOutputDevice

// Define an AudioSinkDevice that reads from a channel and writes the result to a 16 bit .WAV file.
// Frames must already match the device properties (use an AudioFormatConversionDevice if not).
// Note the resulting file is only valid once the input channel is closed.
type FileAudioOutputDevice struct {
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	logger        *slog.Logger
	uuid          uuid.UUID
	encoder       *wav.Encoder
	fileHandle    *os.File

	mu            sync.Mutex
	framesWritten int
}

const fileOutputBitDepth = 16

// Create a new FileAudioOutputDevice that writes incoming frames to a .WAV file at the specified path.
func NewFileAudioOutputDevice(
	audioFilePath string,
	sampleRate int,
	numChannels int,
) (*FileAudioOutputDevice, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"file output device uuid", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, sampleRate, fileOutputBitDepth, numChannels, 1)

	logger.Debug(
		"created audio file",
		"audioFile", audioFilePath,
		"sampleRate", encoder.SampleRate,
		"channels", encoder.NumChans,
	)

	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	return &FileAudioOutputDevice{
		ctx:           ctx,
		ctxCancelFunc: ctxCancelFunc,
		logger:        logger,
		uuid:          uuid,
		encoder:       encoder,
		fileHandle:    f,
	}, nil
}

// Wait for this device to be closed
// Blocks until the close function has finished
func (d *FileAudioOutputDevice) WaitForClose() {
	<-d.ctx.Done()
}

// Number of frames (per channel) written to the file so far.
func (d *FileAudioOutputDevice) FramesWritten() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.framesWritten
}

func (d *FileAudioOutputDevice) close() {
	if err := errors.Join(d.encoder.Close(), d.fileHandle.Sync(), d.fileHandle.Close()); err != nil {
		d.logger.Error("error while finalizing audio file", "err", err)
	}
	d.ctxCancelFunc()
}

// Set the source channel of this audio device, i.e. where data comes from.
//
// When this stream is closed the .WAV header is finalized and the file closed.
func (d *FileAudioOutputDevice) SetStream(sourceStream <-chan frame.AudioFrame) {
	const maxInt16 = float32(1<<(fileOutputBitDepth-1) - 1)
	go func() {
		bufFormat := &goaudio.Format{
			SampleRate:  d.encoder.SampleRate,
			NumChannels: d.encoder.NumChans,
		}
		var interleaved []float32
		for audioFrame := range sourceStream {
			interleaved = audioFrame.Interleave(interleaved)
			buf := &goaudio.IntBuffer{
				Format:         bufFormat,
				Data:           make([]int, len(interleaved)),
				SourceBitDepth: fileOutputBitDepth,
			}
			for i, sample := range interleaved {
				buf.Data[i] = int(sample * maxInt16)
			}

			if err := d.encoder.Write(buf); err != nil {
				d.logger.Error("error while writing frame to file", "err", err)
				continue
			}
			d.mu.Lock()
			d.framesWritten += audioFrame.NumFrames
			d.mu.Unlock()
		}
		d.logger.Debug("incoming audio stream closed")
		d.close()
	}()
}

func (d *FileAudioOutputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  d.encoder.SampleRate,
		NumChannels: d.encoder.NumChans,
	}
}
