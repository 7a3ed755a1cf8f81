package client

import (
	"encoding/json"

	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

// OperationEpisodes is the operation name of the episodes query.
const OperationEpisodes = "GetEpisodes"

// episodesQuery requests one page of episode summaries.
const episodesQuery = `query GetEpisodes($page: Int) {
  episodes(page: $page) {
    info { pages next prev count }
    results { id name air_date episode }
  }
}`

// Episode is the summary of one episode.
type Episode struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AirDate string `json:"air_date"`
	Episode string `json:"episode"`
}

// EpisodesPage is one page of the episodes query.
type EpisodesPage struct {
	Info    pagination.Info `json:"info"`
	Results []Episode       `json:"results"`
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Episodes *EpisodesPage `json:"episodes"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// decodeEpisodes parses a GraphQL envelope. Errors reported in the body
// come back as *GraphQLError.
func decodeEpisodes(body []byte) (*EpisodesPage, error) {
	var resp graphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{
			StatusCode: 200,
			ErrorClass: ErrorClassServer,
			Message:    "malformed response body",
			Err:        err,
		}
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &GraphQLError{Messages: msgs}
	}

	if resp.Data.Episodes == nil {
		return nil, &GraphQLError{Messages: []string{"response contains no episodes"}}
	}

	page := resp.Data.Episodes
	if page.Results == nil {
		page.Results = []Episode{}
	}
	return page, nil
}
