package agent

import "regexp"

var templatePattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

const defaultPrompt = `You are a helpful assistant that can use these tools:
${tools_description}

Choose the appropriate tool based on the user's question. If no tool is needed, reply directly.

IMPORTANT: When you need to use a tool, you must ONLY respond with the exact JSON object format below, nothing else:
{
    "think": "your reasoning about which tool to use",
    "tool_name": "the exact name of the tool",
    "arguments": {
        "argument_name": "argument_value"
    }
}

After receiving a tool's response:
1. Transform the raw data into a natural conversational answer
2. Keep the answer concise but informative
3. Focus on the most relevant information
4. Respond in the language of the user's question

Please only answer using the tools above. If no suitable tool exists, answer with your own knowledge.`

// Coaching turns fed back into the loop on parse trouble.
const (
	coachingProvideToolName = "Please answer strictly according to the format. If you want to call a tool, provide tool_name."
	coachingInvalidJSON     = "JSON cannot be parsed properly, please provide the answer again."
	coachingEmptyResponse   = "The response is empty, please provide the answer again."
)

const fallbackSummaryPrompt = `You have gathered results from several tool calls while working on the user's question. The reasoning budget is exhausted. Using only the tool results below, give the best direct answer to the user's original question.

Tool results:
${observations}`
