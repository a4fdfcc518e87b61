package clientfanout

const msgLoadData = "load_data"

type loadDataRequest struct {
	Types []string `json:"types"`
}
