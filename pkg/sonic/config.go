package sonic

// InferenceConfig carries the sampling parameters sent in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// TextConfig describes a text content block.
type TextConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the caller audio the model should expect.
type AudioInputConfig struct {
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
}

// AudioOutputConfig describes the synthesized audio the model should produce.
type AudioOutputConfig struct {
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
}

// DefaultVoiceID is applied when a session never selects a voice.
const DefaultVoiceID = "tiffany"

// DefaultSystemPrompt is the conversational prompt used when the caller
// transport does not supply one.
const DefaultSystemPrompt = "You are a friend. The user and you will engage in a spoken " +
	"dialog exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 1}
}

func DefaultTextConfig() TextConfig {
	return TextConfig{MediaType: "text/plain"}
}

func DefaultAudioInputConfig() AudioInputConfig {
	return AudioInputConfig{
		AudioType:       "SPEECH",
		Encoding:        "base64",
		MediaType:       "audio/lpcm",
		SampleRateHertz: 16000,
		SampleSizeBits:  16,
		ChannelCount:    1,
	}
}

func DefaultAudioOutputConfig() AudioOutputConfig {
	return AudioOutputConfig{
		AudioType:       "SPEECH",
		Encoding:        "base64",
		MediaType:       "audio/lpcm",
		SampleRateHertz: 24000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         DefaultVoiceID,
	}
}

// DefaultToolSchema is the empty-object input schema for tools that take no
// arguments. Schemas travel as pre-serialized JSON strings inside the
// promptStart tool manifest.
const DefaultToolSchema = `{"type":"object","properties":{},"required":[]}`

// WeatherToolSchema is the input schema for the built-in weather tool.
const WeatherToolSchema = `{"type":"object","properties":{` +
	`"latitude":{"type":"string","description":"Geographical WGS84 latitude of the location."},` +
	`"longitude":{"type":"string","description":"Geographical WGS84 longitude of the location."}},` +
	`"required":["latitude","longitude"]}`
