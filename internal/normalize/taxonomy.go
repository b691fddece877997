package normalize

import "DiscoveryScanner/internal/domain"

// Rule assigns Category when any keyword occurs in the item text.
type Rule struct {
	Category domain.Category
	Keywords []string
}

// DefaultRules is evaluated in order; the first matching rule wins.
// Specific domains come before the broad model families so that a
// "medical LLM" lands in Healthcare rather than Large Language Models.
var DefaultRules = []Rule{
	{domain.CategoryHealthcare, []string{
		"healthcare", "medical", "medicine", "clinical", "biomedical", "biomedlm",
		"radiology", "patient", "drug discovery", "genomics", "protein",
	}},
	{domain.CategoryQuantumAI, []string{
		"quantum", "qubit", "qiskit",
	}},
	{domain.CategoryRobotics, []string{
		"robotics", "robot", "robotic", "embodied", "manipulation", "locomotion",
	}},
	{domain.CategoryReinforcementLearning, []string{
		"reinforcement learning", "rlhf", "policy gradient", "q-learning", "reward model",
		"multi-agent", "gym",
	}},
	{domain.CategoryAudioAI, []string{
		"audio", "speech", "text-to-speech", "tts", "asr", "whisper", "voice", "music",
		"automatic-speech-recognition",
	}},
	{domain.CategoryCode, []string{
		"code generation", "code-generation", "coding", "codellama", "programming",
		"copilot", "compiler", "code",
	}},
	{domain.CategoryMultimodal, []string{
		"multimodal", "multi-modal", "vision-language", "image-text-to-text",
		"visual question answering", "gpt-4-vision",
	}},
	{domain.CategoryComputerVision, []string{
		"computer vision", "computer-vision", "image", "vision", "diffusion", "segmentation",
		"object detection", "nerf", "3d", "video", "text-to-image", "image-classification",
	}},
	{domain.CategoryLLM, []string{
		"llm", "large language model", "language model", "gpt", "llama", "mistral", "gemma",
		"instruct", "text-generation", "transformer", "chatbot",
	}},
	{domain.CategoryNLP, []string{
		"nlp", "natural language", "text classification", "translation", "summarization",
		"sentiment", "named entity", "question answering", "tokenizer", "embedding",
	}},
}
